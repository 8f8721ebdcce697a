package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// === Message ===

func TestNewMessage_Validation(t *testing.T) {
	att := valueobject.NewAttachment("photo.png", 2048, "image/png", "h-1")

	tests := []struct {
		name        string
		content     string
		attachments []valueobject.Attachment
		wantErr     error
	}{
		{"text only", "hello", nil, nil},
		{"attachment only", "", []valueobject.Attachment{att}, nil},
		{"blank without attachments", "   ", nil, ErrEmptyMessage},
		{"broken attachment", "hi", []valueobject.Attachment{{Name: "x"}}, ErrInvalidAttachment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage("m1", "c1", "u1", tt.content, tt.attachments, "", t0)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessage_EditKeepsSequence(t *testing.T) {
	msg, _ := NewMessage("m1", "c1", "u1", "draft", nil, "", t0)
	msg.AssignSequence(7)

	if err := msg.Edit("final", t0.Add(time.Minute)); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if msg.Sequence() != 7 {
		t.Errorf("sequence changed to %d", msg.Sequence())
	}
	if msg.EditedAt() == nil || msg.Version() != 2 {
		t.Errorf("editedAt=%v version=%d", msg.EditedAt(), msg.Version())
	}
}

func TestMessage_RedactPreservesIdentity(t *testing.T) {
	att := valueobject.NewAttachment("doc.pdf", 10, "application/pdf", "h-2")
	msg, _ := NewMessage("m2", "c1", "u1", "secret", []valueobject.Attachment{att}, "m1", t0)
	msg.AssignSequence(3)

	if err := msg.Redact(t0.Add(time.Hour)); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if msg.Content() != "" || len(msg.Attachments()) != 0 {
		t.Error("content and attachments should be redacted")
	}
	if msg.ID() != "m2" || msg.Sequence() != 3 || msg.ParentMessageID() != "m1" {
		t.Error("identity, sequence and thread linkage must survive redaction")
	}
	if err := msg.Edit("again", t0); !errors.Is(err, ErrMessageDeleted) {
		t.Errorf("edit after delete: %v", err)
	}
	if err := msg.Redact(t0); !errors.Is(err, ErrMessageDeleted) {
		t.Errorf("double delete: %v", err)
	}
}

// === Participant ===

func TestParticipant_AdvanceReadIsMonotonic(t *testing.T) {
	p, _ := NewParticipant("p1", "c1", "u1", valueobject.ParticipantRoleMember, t0)

	if !p.AdvanceRead("m5", 5) {
		t.Fatal("first advance should succeed")
	}
	if p.AdvanceRead("m3", 3) {
		t.Error("older sequence must be a no-op")
	}
	if p.AdvanceRead("m5", 5) {
		t.Error("equal sequence must be a no-op")
	}
	if p.LastReadMessageID() != "m5" {
		t.Errorf("last read = %s", p.LastReadMessageID())
	}
	if !p.AdvanceRead("m9", 9) || p.LastReadSequence() != 9 {
		t.Error("newer sequence should advance")
	}
}

func TestParticipant_Mute(t *testing.T) {
	p, _ := NewParticipant("p1", "c1", "u1", valueobject.ParticipantRoleMember, t0)

	p.Mute(true, nil)
	if !p.IsMuted(t0) {
		t.Error("indefinite mute should be active")
	}

	past := t0.Add(-time.Hour)
	p.Mute(true, &past)
	if p.IsMuted(t0) {
		t.Error("mute in the past counts as unmuted")
	}

	p.Mute(false, nil)
	if p.MutedUntil() != nil {
		t.Error("unmute should clear mutedUntil")
	}
}

func TestParticipant_Leave(t *testing.T) {
	p, _ := NewParticipant("p1", "c1", "u1", valueobject.ParticipantRoleAdmin, t0)
	if err := p.Leave(t0); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if p.IsActive() || p.IsAdmin() {
		t.Error("left participant is neither active nor admin")
	}
	if err := p.Leave(t0); !errors.Is(err, ErrParticipantInactive) {
		t.Errorf("second leave: %v", err)
	}
	if err := p.SetRole(valueobject.ParticipantRoleMember); !errors.Is(err, ErrParticipantInactive) {
		t.Errorf("role change after leave: %v", err)
	}
}

// === Conversation ===

func TestNewDirectConversation_DerivedName(t *testing.T) {
	a := valueobject.UserProfile{ID: "2", DisplayName: "Bob"}
	b := valueobject.UserProfile{ID: "1", DisplayName: "Alice"}

	conv, err := NewDirectConversation("c1", a, b, t0)
	if err != nil {
		t.Fatalf("NewDirectConversation: %v", err)
	}
	if conv.Name() != "Alice, Bob" {
		t.Errorf("name = %q", conv.Name())
	}
	if conv.DirectKey() != "1:2" {
		t.Errorf("direct key = %q", conv.DirectKey())
	}
	if err := conv.Rename("x", t0); !errors.Is(err, ErrDirectNameFixed) {
		t.Errorf("rename direct: %v", err)
	}
}

func TestConversation_TouchLastMessageOnlyForward(t *testing.T) {
	conv, _ := NewGroupConversation("c1", "team", "u1", t0)
	later := t0.Add(time.Hour)

	conv.TouchLastMessage(later)
	conv.TouchLastMessage(t0)
	if got := conv.LastMessageAt(); got == nil || !got.Equal(later) {
		t.Errorf("lastMessageAt = %v", got)
	}
}
