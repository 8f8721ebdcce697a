package valueobject

import (
	"testing"
	"time"
)

func TestParseGlobalRole(t *testing.T) {
	tests := []struct {
		in   string
		want GlobalRole
		ok   bool
	}{
		{"", GlobalRoleUser, true},
		{"member", GlobalRoleUser, true},
		{" Manager ", GlobalRoleManager, true},
		{"ADMIN", GlobalRoleAdmin, true},
		{"root", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseGlobalRole(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseGlobalRole(%q) = %q, %v", tt.in, got, ok)
		}
	}
}

func TestIdentityAuthority(t *testing.T) {
	user := NewIdentity("u", GlobalRoleUser, "east")
	mgr := NewIdentity("m", GlobalRoleManager, "east")
	admin := NewIdentity("a", GlobalRoleAdmin, "")

	if user.HasOfficeAuthority() || !mgr.HasOfficeAuthority() || !admin.HasOfficeAuthority() {
		t.Error("office authority mismatch")
	}
	if mgr.IsGlobalAdmin() || !admin.IsGlobalAdmin() {
		t.Error("global admin mismatch")
	}
	if !(Identity{}).IsZero() || user.IsZero() {
		t.Error("zero identity mismatch")
	}
	if !user.Equals(NewIdentity("u", GlobalRoleUser, "east")) || user.Equals(mgr) {
		t.Error("equality mismatch")
	}
}

func TestDirectKeyAndName(t *testing.T) {
	if DirectKey("bob", "alice") != DirectKey("alice", "bob") {
		t.Error("direct key must not depend on order")
	}
	a := UserProfile{ID: "alice", DisplayName: "Alice"}
	b := UserProfile{ID: "bob"}
	if got := DirectName(b, a); got != "Alice, bob" {
		t.Errorf("DirectName = %q", got)
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in     string
		want   Timeframe
		window time.Duration
		bucket time.Duration
	}{
		{"", Timeframe7d, 7 * 24 * time.Hour, 24 * time.Hour},
		{"24H", Timeframe24h, 24 * time.Hour, time.Hour},
		{"30d", Timeframe30d, 30 * 24 * time.Hour, 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ParseTimeframe(%q) = %q, %v", tt.in, got, err)
		}
		if got.Window() != tt.window || got.Bucket() != tt.bucket {
			t.Errorf("%s window/bucket = %v/%v", got, got.Window(), got.Bucket())
		}
	}
	if _, err := ParseTimeframe("1y"); err == nil {
		t.Error("1y should be rejected")
	}
}

func TestCategoryFromMIME(t *testing.T) {
	tests := []struct {
		in   string
		want MimeCategory
	}{
		{"image/png", MimeCategoryImage},
		{"audio/ogg", MimeCategoryAudio},
		{"video/mp4", MimeCategoryVideo},
		{"text/plain; charset=utf-8", MimeCategoryDocument},
		{"application/pdf", MimeCategoryDocument},
		{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", MimeCategoryDocument},
		{"application/zip", MimeCategoryOther},
		{"", MimeCategoryOther},
	}
	for _, tt := range tests {
		if got := CategoryFromMIME(tt.in); got != tt.want {
			t.Errorf("CategoryFromMIME(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAttachments(t *testing.T) {
	atts := []Attachment{
		NewAttachment("a.png", 10, "image/png", "h1"),
		NewAttachment("b.pdf", 32, "application/pdf", "h2"),
	}
	if TotalSize(atts) != 42 {
		t.Errorf("total = %d", TotalSize(atts))
	}
	clone := CloneAttachments(atts)
	clone[0].Name = "changed"
	if atts[0].Name != "a.png" {
		t.Error("clone must not alias the original")
	}
	if (Attachment{Name: "x"}).Valid() {
		t.Error("attachment without handle should be invalid")
	}
}
