package usecase

import (
	"context"
	"testing"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

const barrierEvent = "test.barrier"

// drain 等待此前发布的事件全部分发完毕
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	before := len(e.events.ofType(barrierEvent))
	if err := e.bus.Publish(context.Background(), eventbus.NewEvent(barrierEvent, nil)); err != nil {
		t.Fatalf("publish barrier: %v", err)
	}
	waitUntil(t, func() bool { return len(e.events.ofType(barrierEvent)) > before })
}

type officeFixture struct {
	east, west, mixed string
}

func seedOffices(t *testing.T, env *testEnv) officeFixture {
	t.Helper()
	f := officeFixture{
		east:  env.group(t, alice, "East budget", "bob"),
		west:  env.group(t, carol, "West budget", "dave"),
		mixed: env.group(t, alice, "Cross office", "carol"),
	}
	env.send(t, alice, f.east, "budget draft ready")
	env.send(t, bob, f.east, "looks fine")
	env.send(t, bob, f.east, "approved budget")
	env.send(t, carol, f.west, "west budget numbers")
	env.send(t, carol, f.mixed, "hello across offices")
	return f
}

// === Monitored conversations ===

func TestListMonitored_Scope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := seedOffices(t, env)

	tests := []struct {
		name     string
		identity valueobject.Identity
		office   string
		want     []string
	}{
		{"east manager", mgrEast, "", []string{f.mixed, f.east}},
		{"west manager", mgrWest, "", []string{f.mixed, f.west}},
		{"global admin", root, "", []string{f.mixed, f.west, f.east}},
		{"global admin filtered", root, "west", []string{f.mixed, f.west}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := env.moderation.ListMonitored(ctx, tt.identity, tt.office, 1, 50)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if page.Total != len(tt.want) {
				t.Fatalf("total = %d, want %d", page.Total, len(tt.want))
			}
			for i, id := range tt.want {
				if page.Items[i].Conversation.ID() != id {
					t.Errorf("item %d = %s, want %s", i, page.Items[i].Conversation.Name(), id)
				}
			}
		})
	}

	page, _ := env.moderation.ListMonitored(ctx, mgrEast, "east", 1, 50)
	for _, item := range page.Items {
		if item.Conversation.ID() == f.east {
			if item.MessageCount != 3 || item.ParticipantCount != 2 {
				t.Errorf("east stats = %d messages, %d participants", item.MessageCount, item.ParticipantCount)
			}
			if len(item.Offices) != 1 || item.Offices[0] != "east" {
				t.Errorf("offices = %v", item.Offices)
			}
		}
	}

	denied := []struct {
		name     string
		identity valueobject.Identity
		office   string
	}{
		{"plain user", alice, ""},
		{"other office", mgrEast, "west"},
		{"manager without office", valueobject.NewIdentity("drifter", valueobject.GlobalRoleManager, ""), ""},
	}
	for _, tt := range denied {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.moderation.ListMonitored(ctx, tt.identity, tt.office, 1, 50)
			expectCode(t, err, errors.CodePermissionDenied)
		})
	}
}

// === Analytics ===

func TestGetAnalytics_CacheAndInvalidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := seedOffices(t, env)
	env.drain(t)

	first, err := env.moderation.GetAnalytics(ctx, mgrEast, f.east, "7d")
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if first.TotalMessages != 3 || len(first.Participants) != 2 {
		t.Errorf("analytics = %d messages, %d participants", first.TotalMessages, len(first.Participants))
	}
	if env.cache.size() != 1 {
		t.Fatalf("cache size = %d", env.cache.size())
	}

	second, err := env.moderation.GetAnalytics(ctx, root, f.east, "7d")
	if err != nil {
		t.Fatalf("analytics (cached): %v", err)
	}
	if second != first {
		t.Error("second read should be served from cache")
	}

	env.send(t, bob, f.east, "one more")
	waitUntil(t, func() bool { return env.cache.size() == 0 })

	third, err := env.moderation.GetAnalytics(ctx, mgrEast, f.east, "7d")
	if err != nil {
		t.Fatalf("analytics after change: %v", err)
	}
	if third.TotalMessages != 4 {
		t.Errorf("recomputed total = %d, want 4", third.TotalMessages)
	}
}

func TestGetAnalytics_Permissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := seedOffices(t, env)

	tests := []struct {
		name     string
		identity valueobject.Identity
		code     errors.ErrorCode
	}{
		{"plain user who is conversation admin", alice, errors.CodePermissionDenied},
		{"plain member", bob, errors.CodePermissionDenied},
		{"outsider", carol, errors.CodePermissionDenied},
		{"other office manager", mgrWest, errors.CodePermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.moderation.GetAnalytics(ctx, tt.identity, f.east, "24h")
			expectCode(t, err, tt.code)
		})
	}

	_, err := env.moderation.GetAnalytics(ctx, alice, f.east, "1y")
	expectCode(t, err, errors.CodeInvalidArgument)

	_, err = env.moderation.GetAnalytics(ctx, root, "missing", "24h")
	expectCode(t, err, errors.CodeNotFound)

	if _, err := env.moderation.GetAnalytics(ctx, root, f.west, "30d"); err != nil {
		t.Errorf("global admin analytics: %v", err)
	}
	if _, err := env.moderation.GetAnalytics(ctx, mgrEast, f.east, "24h"); err != nil {
		t.Errorf("in-scope manager analytics: %v", err)
	}
}

// === Message search ===

func TestSearchMessages_Scope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	f := seedOffices(t, env)

	count := func(identity valueobject.Identity, filters SearchMessagesInput) int {
		t.Helper()
		ranked, err := env.moderation.SearchMessages(ctx, identity, "budget", filters)
		if err != nil {
			t.Fatalf("search as %s: %v", identity.UserID(), err)
		}
		return len(ranked)
	}

	if got := count(alice, SearchMessagesInput{}); got != 2 {
		t.Errorf("alice sees %d budget messages, want 2", got)
	}
	if got := count(carol, SearchMessagesInput{}); got != 1 {
		t.Errorf("carol sees %d, want 1", got)
	}
	if got := count(mgrEast, SearchMessagesInput{}); got != 2 {
		t.Errorf("east manager sees %d, want 2", got)
	}
	if got := count(root, SearchMessagesInput{}); got != 3 {
		t.Errorf("global admin sees %d, want 3", got)
	}
	if got := count(alice, SearchMessagesInput{SenderID: "bob"}); got != 1 {
		t.Errorf("sender filter = %d, want 1", got)
	}

	_, err := env.moderation.SearchMessages(ctx, carol, "budget", SearchMessagesInput{ConversationID: f.east})
	expectCode(t, err, errors.CodePermissionDenied)
	_, err = env.moderation.SearchMessages(ctx, mgrWest, "budget", SearchMessagesInput{ConversationID: f.east})
	expectCode(t, err, errors.CodePermissionDenied)
	if got := count(mgrEast, SearchMessagesInput{ConversationID: f.east}); got != 2 {
		t.Errorf("in-scope filter = %d", got)
	}

	_, err = env.moderation.SearchMessages(ctx, alice, "  ", SearchMessagesInput{})
	expectCode(t, err, errors.CodeInvalidArgument)
}

func TestSearchMessages_ExcludesDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.group(t, alice, "Design", "bob")
	keep := env.send(t, alice, convID, "release notes")
	gone := env.send(t, alice, convID, "release secrets")
	if _, err := env.messages.Delete(ctx, alice, gone); err != nil {
		t.Fatal(err)
	}

	ranked, err := env.moderation.SearchMessages(ctx, bob, "release", SearchMessagesInput{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Message.ID() != keep {
		t.Errorf("results = %d", len(ranked))
	}
}
