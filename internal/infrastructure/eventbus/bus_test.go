package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var _ Bus = (*InMemoryBus)(nil)

func newTestBus(buffer int) *InMemoryBus {
	return NewInMemoryBus(zap.NewNop(), buffer)
}

// === Routing ===

func TestInMemoryBus_Routing(t *testing.T) {
	tests := []struct {
		name      string
		subscribe []string
		publish   []string
		want      int32
	}{
		{"exact type", []string{EventMessageCreated}, []string{EventMessageCreated, EventMessageEdited, EventMessageCreated}, 2},
		{"wildcard", []string{"*"}, []string{EventMessageCreated, EventReactionAdded, EventConversationUpdated}, 3},
		{"two handlers one type", []string{EventMessageDeleted, EventMessageDeleted}, []string{EventMessageDeleted}, 2},
		{"no subscriber", []string{EventMessageEdited}, []string{EventMessageCreated}, 0},
		{"exact plus wildcard", []string{EventReadAdvanced, "*"}, []string{EventReadAdvanced}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newTestBus(16)
			var calls atomic.Int32
			for _, et := range tt.subscribe {
				bus.Subscribe(et, func(ctx context.Context, ev Event) { calls.Add(1) })
			}
			for _, et := range tt.publish {
				if err := bus.Publish(context.Background(), NewEvent(et, nil)); err != nil {
					t.Fatalf("publish %s: %v", et, err)
				}
			}
			// Close 等待已入队事件分发完毕
			bus.Close()
			if got := calls.Load(); got != tt.want {
				t.Errorf("handler calls = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInMemoryBus_Unsubscribe(t *testing.T) {
	bus := newTestBus(8)
	var kept, removed atomic.Int32
	cancel := bus.Subscribe(EventMessageCreated, func(ctx context.Context, ev Event) { removed.Add(1) })
	bus.Subscribe(EventMessageCreated, func(ctx context.Context, ev Event) { kept.Add(1) })
	cancel()
	cancel()

	_ = bus.Publish(context.Background(), NewEvent(EventMessageCreated, nil))
	bus.Close()

	if removed.Load() != 0 || kept.Load() != 1 {
		t.Errorf("removed=%d kept=%d", removed.Load(), kept.Load())
	}
}

func TestInMemoryBus_CloseIsIdempotent(t *testing.T) {
	bus := newTestBus(1)
	bus.Close()
	bus.Close()

	if err := bus.Publish(context.Background(), NewEvent(EventMessageCreated, nil)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("publish after close = %v", err)
	}
}

// === Ordering and backpressure ===

func TestInMemoryBus_PreservesPublishOrder(t *testing.T) {
	bus := newTestBus(4)

	var mu sync.Mutex
	var seen []int64
	bus.Subscribe(EventMessageCreated, func(ctx context.Context, ev Event) {
		p := ev.Payload().(DeliveryPayload)
		mu.Lock()
		seen = append(seen, p.Sequence)
		mu.Unlock()
	})

	for i := int64(1); i <= 50; i++ {
		if err := bus.Publish(context.Background(), NewEvent(EventMessageCreated, DeliveryPayload{ConversationID: "c1", Sequence: i})); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	bus.Close()

	if len(seen) != 50 {
		t.Fatalf("saw %d events", len(seen))
	}
	for i, seq := range seen {
		if seq != int64(i+1) {
			t.Fatalf("event %d has sequence %d", i, seq)
		}
	}
}

func TestInMemoryBus_BlocksInsteadOfDropping(t *testing.T) {
	bus := newTestBus(0)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe("slow", func(ctx context.Context, ev Event) { <-release })

	// 第一个事件占住分发协程
	if err := bus.Publish(context.Background(), NewEvent("slow", nil)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, NewEvent("slow", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("publish on full bus = %v, want deadline exceeded", err)
	}
	close(release)
}

func TestInMemoryBus_ConcurrentPublishers(t *testing.T) {
	bus := newTestBus(1000)
	var received atomic.Int32
	bus.Subscribe(EventReactionAdded, func(ctx context.Context, ev Event) { received.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), NewEvent(EventReactionAdded, nil))
		}()
	}
	wg.Wait()
	bus.Close()

	if got := received.Load(); got != 100 {
		t.Errorf("received %d of 100 events", got)
	}
}

// === Handler isolation ===

func TestInMemoryBus_PanickingHandlerIsolated(t *testing.T) {
	bus := newTestBus(4)
	var healthy atomic.Int32
	bus.Subscribe(EventMessageEdited, func(ctx context.Context, ev Event) { panic("boom") })
	bus.Subscribe(EventMessageEdited, func(ctx context.Context, ev Event) { healthy.Add(1) })

	_ = bus.Publish(context.Background(), NewEvent(EventMessageEdited, nil))
	_ = bus.Publish(context.Background(), NewEvent(EventMessageEdited, nil))
	bus.Close()

	if healthy.Load() != 2 {
		t.Errorf("healthy handler ran %d times, want 2", healthy.Load())
	}
}

func TestInMemoryBus_TypedPayload(t *testing.T) {
	bus := newTestBus(1)
	var got any
	bus.Subscribe(EventMessageCreated, func(ctx context.Context, ev Event) { got = ev.Payload() })

	ev := NewEvent(EventMessageCreated, DeliveryPayload{
		ConversationID: "conv_123",
		ActorID:        "u1",
		Sequence:       7,
		Recipients:     []Recipient{{UserID: "u1"}, {UserID: "u2", Muted: true}},
	})
	if ev.Timestamp().IsZero() {
		t.Error("event timestamp should be set")
	}
	_ = bus.Publish(context.Background(), ev)
	bus.Close()

	p, ok := got.(DeliveryPayload)
	if !ok {
		t.Fatalf("payload type %T", got)
	}
	if p.ConversationID != "conv_123" || len(p.Recipients) != 2 || !p.Recipients[1].Muted {
		t.Errorf("payload = %+v", p)
	}
}

func TestConversationIDOf(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"struct", DeliveryPayload{ConversationID: "c1"}, "c1"},
		{"pointer", &DeliveryPayload{ConversationID: "c2"}, "c2"},
		{"nil pointer", (*DeliveryPayload)(nil), ""},
		{"untyped map", map[string]any{"conversation_id": "c3"}, ""},
		{"other", "x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConversationIDOf(NewEvent("e", tt.payload)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
