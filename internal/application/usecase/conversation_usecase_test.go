package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// === Create ===

func TestCreate_DirectGetOrCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.conversations.Create(ctx, alice, CreateConversationInput{
		Type:           valueobject.ConversationTypeDirect,
		ParticipantIDs: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !first.Created {
		t.Error("first create should report Created")
	}
	if first.Conversation.Name() != "Alice, Bob" {
		t.Errorf("derived name = %q", first.Conversation.Name())
	}
	if len(first.Participants) != 2 {
		t.Errorf("participants = %d", len(first.Participants))
	}

	second, err := env.conversations.Create(ctx, bob, CreateConversationInput{
		Type:           valueobject.ConversationTypeDirect,
		ParticipantIDs: []string{"alice"},
	})
	if err != nil {
		t.Fatalf("create reverse: %v", err)
	}
	if second.Created || second.Conversation.ID() != first.Conversation.ID() {
		t.Errorf("expected existing conversation %s, got %s (created=%v)",
			first.Conversation.ID(), second.Conversation.ID(), second.Created)
	}
}

func TestCreate_DirectConcurrentUniqueness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller, other := alice, "bob"
			if i%2 == 1 {
				caller, other = bob, "alice"
			}
			res, err := env.conversations.Create(ctx, caller, CreateConversationInput{
				Type:           valueobject.ConversationTypeDirect,
				ParticipantIDs: []string{other},
			})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids[i] = res.Conversation.ID()
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("direct conversation duplicated: %v", ids)
		}
	}
	all, _ := env.repos.Conversations.FindAll(ctx)
	if len(all) != 1 {
		t.Errorf("stored conversations = %d, want 1", len(all))
	}
}

func TestCreate_DirectValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		others []string
	}{
		{"no participant", nil},
		{"two participants", []string{"bob", "carol"}},
		{"self", []string{"alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.conversations.Create(context.Background(), alice, CreateConversationInput{
				Type:           valueobject.ConversationTypeDirect,
				ParticipantIDs: tt.others,
			})
			expectCode(t, err, errors.CodeInvalidArgument)
		})
	}
}

func TestCreate_DirectRejoinAfterLeave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.conversations.Create(ctx, alice, CreateConversationInput{
		Type: valueobject.ConversationTypeDirect, ParticipantIDs: []string{"bob"},
	})
	convID := res.Conversation.ID()
	if err := env.conversations.Leave(ctx, convID, alice); err != nil {
		t.Fatalf("leave: %v", err)
	}
	_, err := env.messages.Send(ctx, alice, SendMessageInput{ConversationID: convID, Content: "hi"})
	expectCode(t, err, errors.CodePermissionDenied)

	again, err := env.conversations.Create(ctx, alice, CreateConversationInput{
		Type: valueobject.ConversationTypeDirect, ParticipantIDs: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if again.Created || again.Conversation.ID() != convID {
		t.Fatalf("expected rejoin of %s", convID)
	}
	if len(again.Participants) != 2 {
		t.Errorf("active participants = %d", len(again.Participants))
	}

	records, _ := env.repos.Conversations.ListParticipants(ctx, convID, false)
	if len(records) != 3 {
		t.Errorf("join records = %d, want 3 (left record kept)", len(records))
	}
	env.send(t, alice, convID, "back again")
}

func TestCreate_Group(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.conversations.Create(ctx, alice, CreateConversationInput{Type: valueobject.ConversationTypeGroup, Name: "  "})
	expectCode(t, err, errors.CodeInvalidArgument)

	_, err = env.conversations.Create(ctx, alice, CreateConversationInput{Type: "channel", Name: "x"})
	expectCode(t, err, errors.CodeInvalidArgument)

	res, err := env.conversations.Create(ctx, alice, CreateConversationInput{
		Type:           valueobject.ConversationTypeGroup,
		Name:           "Design",
		Description:    "weekly sync",
		ParticipantIDs: []string{"bob", "carol", "bob", "alice"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.Participants) != 3 {
		t.Fatalf("participants = %d, want 3", len(res.Participants))
	}
	for _, p := range res.Participants {
		wantAdmin := p.UserID() == "alice"
		if p.IsAdmin() != wantAdmin {
			t.Errorf("%s admin = %v", p.UserID(), p.IsAdmin())
		}
	}
	if res.Conversation.Description() != "weekly sync" {
		t.Errorf("description = %q", res.Conversation.Description())
	}

	waitUntil(t, func() bool { return len(env.events.ofType(eventbus.EventConversationCreated)) == 1 })
}

// === Update ===

func TestUpdate_Permissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Design", "bob")
	name := "Renamed"
	desc := "new description"

	_, err := env.conversations.Update(ctx, convID, carol, UpdateConversationInput{Description: &desc})
	expectCode(t, err, errors.CodeNotFound)

	_, err = env.conversations.Update(ctx, convID, bob, UpdateConversationInput{Name: &name})
	expectCode(t, err, errors.CodePermissionDenied)

	conv, err := env.conversations.Update(ctx, convID, bob, UpdateConversationInput{Description: &desc})
	if err != nil || conv.Description() != desc {
		t.Fatalf("member description update: %v", err)
	}

	conv, err = env.conversations.Update(ctx, convID, alice, UpdateConversationInput{Name: &name})
	if err != nil || conv.Name() != name {
		t.Fatalf("admin rename: %v", err)
	}

	_, err = env.conversations.Update(ctx, "missing", alice, UpdateConversationInput{Name: &name})
	expectCode(t, err, errors.CodeNotFound)
}

func TestUpdate_DirectNameIsDerived(t *testing.T) {
	env := newTestEnv(t)
	res, _ := env.conversations.Create(context.Background(), alice, CreateConversationInput{
		Type: valueobject.ConversationTypeDirect, ParticipantIDs: []string{"bob"},
	})
	name := "Secret"
	_, err := env.conversations.Update(context.Background(), res.Conversation.ID(), alice, UpdateConversationInput{Name: &name})
	expectCode(t, err, errors.CodeInvalidOperation)
}

// === Participants ===

func TestParticipants_DirectIsFixed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, _ := env.conversations.Create(ctx, alice, CreateConversationInput{
		Type: valueobject.ConversationTypeDirect, ParticipantIDs: []string{"bob"},
	})
	id := res.Conversation.ID()

	_, err := env.conversations.AddParticipants(ctx, id, alice, []string{"carol"})
	expectCode(t, err, errors.CodeInvalidOperation)

	err = env.conversations.RemoveParticipant(ctx, id, alice, "bob")
	expectCode(t, err, errors.CodeInvalidOperation)

	_, err = env.conversations.UpdateParticipantRole(ctx, id, alice, "bob", valueobject.ParticipantRoleAdmin)
	expectCode(t, err, errors.CodeInvalidOperation)
}

func TestParticipants_AddRemove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Design", "bob")

	_, err := env.conversations.AddParticipants(ctx, convID, bob, []string{"carol"})
	expectCode(t, err, errors.CodePermissionDenied)

	added, err := env.conversations.AddParticipants(ctx, convID, alice, []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(added) != 1 || added[0].UserID() != "carol" {
		t.Fatalf("added = %v, want only carol", added)
	}

	err = env.conversations.RemoveParticipant(ctx, convID, bob, "carol")
	expectCode(t, err, errors.CodePermissionDenied)

	err = env.conversations.RemoveParticipant(ctx, convID, alice, "alice")
	expectCode(t, err, errors.CodeInvariantViolation)

	if err := env.conversations.RemoveParticipant(ctx, convID, alice, "carol"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err = env.conversations.RemoveParticipant(ctx, convID, alice, "carol")
	expectCode(t, err, errors.CodeNotFound)

	_, err = env.messages.Send(ctx, carol, SendMessageInput{ConversationID: convID, Content: "still here?"})
	expectCode(t, err, errors.CodePermissionDenied)

	readded, err := env.conversations.AddParticipants(ctx, convID, alice, []string{"carol"})
	if err != nil || len(readded) != 1 {
		t.Fatalf("re-add: %v %v", readded, err)
	}
	records, _ := env.repos.Conversations.ListParticipants(ctx, convID, false)
	if len(records) != 4 {
		t.Errorf("join records = %d, want 4", len(records))
	}
}

func TestLeave_PromotesEarliestMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Design", "bob")
	if _, err := env.conversations.AddParticipants(ctx, convID, alice, []string{"carol"}); err != nil {
		t.Fatal(err)
	}

	if err := env.conversations.Leave(ctx, convID, alice); err != nil {
		t.Fatalf("leave: %v", err)
	}

	participants, _ := env.repos.Conversations.ListParticipants(ctx, convID, true)
	roles := map[string]valueobject.ParticipantRole{}
	for _, p := range participants {
		roles[p.UserID()] = p.Role()
	}
	if roles["bob"] != valueobject.ParticipantRoleAdmin {
		t.Errorf("bob (earliest member) should be promoted, roles = %v", roles)
	}
	if roles["carol"] != valueobject.ParticipantRoleMember {
		t.Errorf("carol should remain member, roles = %v", roles)
	}

	err := env.conversations.Leave(ctx, convID, alice)
	expectCode(t, err, errors.CodeNotFound)
}

func TestLeave_LastParticipantMarksGCEligible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Design", "bob")

	for _, id := range []valueobject.Identity{bob, alice} {
		if err := env.conversations.Leave(ctx, convID, id); err != nil {
			t.Fatalf("leave %s: %v", id.UserID(), err)
		}
	}

	conv, err := env.repos.Conversations.FindByID(ctx, convID)
	if err != nil {
		t.Fatalf("conversation must not be deleted: %v", err)
	}
	if conv.GCEligibleAt() == nil {
		t.Error("gcEligibleAt should be set when no active participants remain")
	}
	waitUntil(t, func() bool { return len(env.events.ofType(eventbus.EventConversationGC)) == 1 })
}

func TestUpdateParticipantRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Design", "bob")

	_, err := env.conversations.UpdateParticipantRole(ctx, convID, alice, "alice", valueobject.ParticipantRoleMember)
	expectCode(t, err, errors.CodeInvariantViolation)

	_, err = env.conversations.UpdateParticipantRole(ctx, convID, bob, "bob", valueobject.ParticipantRoleAdmin)
	expectCode(t, err, errors.CodePermissionDenied)

	_, err = env.conversations.UpdateParticipantRole(ctx, convID, alice, "bob", "owner")
	expectCode(t, err, errors.CodeInvalidArgument)

	p, err := env.conversations.UpdateParticipantRole(ctx, convID, alice, "bob", valueobject.ParticipantRoleAdmin)
	if err != nil || !p.IsAdmin() {
		t.Fatalf("promote: %v", err)
	}
	if _, err := env.conversations.UpdateParticipantRole(ctx, convID, bob, "alice", valueobject.ParticipantRoleMember); err != nil {
		t.Fatalf("demote with another admin present: %v", err)
	}
}

// === Personal settings ===

func TestSettings_MutePinArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Design", "bob")

	past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := env.conversations.Mute(ctx, convID, bob, true, &past)
	expectCode(t, err, errors.CodeInvalidArgument)

	p, err := env.conversations.Mute(ctx, convID, bob, true, nil)
	if err != nil {
		t.Fatalf("mute: %v", err)
	}
	if p.MutedUntil() == nil || !p.MutedUntil().Equal(valueobject.MuteForever) {
		t.Errorf("indefinite mute = %v", p.MutedUntil())
	}

	env.send(t, alice, convID, "ping")
	waitUntil(t, func() bool { return len(env.events.ofType(eventbus.EventMessageCreated)) == 1 })
	payload := env.events.ofType(eventbus.EventMessageCreated)[0].Payload().(eventbus.DeliveryPayload)
	for _, r := range payload.Recipients {
		if r.UserID == "bob" && !r.Muted {
			t.Error("muted participant should be flagged in recipients")
		}
	}

	if p, err = env.conversations.Mute(ctx, convID, bob, false, nil); err != nil || p.MutedUntil() != nil {
		t.Fatalf("unmute: %v %v", p.MutedUntil(), err)
	}
	if p, err = env.conversations.Pin(ctx, convID, bob, true); err != nil || !p.Pinned() {
		t.Fatalf("pin: %v", err)
	}
	if p, err = env.conversations.Archive(ctx, convID, bob, true); err != nil || !p.Archived() {
		t.Fatalf("archive: %v", err)
	}

	// 仅影响本人
	aliceRecord, _ := env.repos.Conversations.FindParticipant(ctx, convID, "alice")
	if aliceRecord.Pinned() || aliceRecord.Archived() {
		t.Error("settings leaked to another participant")
	}

	_, err = env.conversations.Pin(ctx, convID, carol, true)
	expectCode(t, err, errors.CodeNotFound)
}

// === List / Search ===

func TestList_SortingArchivedAndUnread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.group(t, alice, "First", "bob")
	second := env.group(t, alice, "Second", "bob")
	third := env.group(t, alice, "Third", "bob")

	env.send(t, bob, first, "newest activity")
	env.send(t, bob, first, "two unread")
	if _, err := env.conversations.Archive(ctx, third, alice, true); err != nil {
		t.Fatal(err)
	}

	page, err := env.conversations.List(ctx, alice, ListConversationsInput{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("total = %d, archived should be excluded", page.Total)
	}
	if page.Items[0].Conversation.ID() != first || page.Items[1].Conversation.ID() != second {
		t.Errorf("order = %s, %s", page.Items[0].Conversation.Name(), page.Items[1].Conversation.Name())
	}
	if page.Items[0].UnreadCount != 2 || page.Items[0].LastMessage == nil || page.Items[0].LastMessage.Content() != "two unread" {
		t.Errorf("summary = unread %d last %v", page.Items[0].UnreadCount, page.Items[0].LastMessage)
	}

	if _, err := env.conversations.Pin(ctx, second, alice, true); err != nil {
		t.Fatal(err)
	}
	page, _ = env.conversations.List(ctx, alice, ListConversationsInput{PinnedFirst: true, IncludeArchived: true})
	if page.Total != 3 || page.Items[0].Conversation.ID() != second {
		t.Errorf("pinned first: total=%d first=%s", page.Total, page.Items[0].Conversation.Name())
	}

	page, _ = env.conversations.List(ctx, alice, ListConversationsInput{Sort: "name", IncludeArchived: true, PageSize: 2, Page: 2})
	if len(page.Items) != 1 || page.Items[0].Conversation.ID() != third {
		t.Errorf("name sort page 2 = %v", page.Items)
	}

	_, err = env.conversations.List(ctx, alice, ListConversationsInput{Sort: "random"})
	expectCode(t, err, errors.CodeInvalidArgument)

	page, _ = env.conversations.List(ctx, carol, ListConversationsInput{})
	if page.Total != 0 {
		t.Errorf("carol sees %d conversations", page.Total)
	}
}

func TestSearch_ByNameAndParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.group(t, alice, "Budget review", "bob")
	env.group(t, alice, "Lunch", "carol")
	env.group(t, dave, "Budget west", "carol")

	ranked, err := env.conversations.Search(ctx, alice, "budget", SearchConversationsInput{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Conversation.Name() != "Budget review" {
		t.Errorf("search restricted to caller's conversations, got %d", len(ranked))
	}

	ranked, _ = env.conversations.Search(ctx, alice, "carol", SearchConversationsInput{})
	if len(ranked) != 1 || ranked[0].Conversation.Name() != "Lunch" {
		t.Errorf("participant name match failed: %d results", len(ranked))
	}

	_, err = env.conversations.Search(ctx, alice, "  ", SearchConversationsInput{})
	expectCode(t, err, errors.CodeInvalidArgument)
}

// === Bulk / retention ===

func TestBulkArchive_PerItemOutcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.group(t, alice, "A")
	b := env.group(t, alice, "B")

	outcomes, err := env.conversations.BulkArchive(ctx, []string{a, "missing", b, a}, alice, true)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, duplicates should collapse", len(outcomes))
	}
	if !outcomes[0].OK() || outcomes[1].OK() || !outcomes[2].OK() {
		t.Errorf("outcomes = %+v", outcomes)
	}
	expectCode(t, outcomes[1].Err, errors.CodeNotFound)

	_, err = env.conversations.BulkArchive(ctx, nil, alice, true)
	expectCode(t, err, errors.CodeInvalidArgument)
}

func TestSweepAbandoned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Solo")
	other := env.group(t, alice, "Busy", "bob")

	// 绕过用例直接写入，模拟未被标记的遗留会话
	p, _ := env.repos.Conversations.FindParticipant(ctx, convID, "alice")
	_ = p.Leave(time.Now())
	if err := env.repos.Conversations.SaveParticipant(ctx, p); err != nil {
		t.Fatal(err)
	}

	marked, err := env.conversations.SweepAbandoned(ctx)
	if err != nil || marked != 1 {
		t.Fatalf("sweep = %d, %v", marked, err)
	}
	conv, _ := env.repos.Conversations.FindByID(ctx, convID)
	if conv.GCEligibleAt() == nil {
		t.Error("abandoned conversation not marked")
	}
	busy, _ := env.repos.Conversations.FindByID(ctx, other)
	if busy.GCEligibleAt() != nil {
		t.Error("active conversation marked")
	}

	if marked, _ := env.conversations.SweepAbandoned(ctx); marked != 0 {
		t.Errorf("second sweep marked %d", marked)
	}
}
