package monitoring

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	apperrors "github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// === Metrics ===

func TestMetrics_LaneObserver(t *testing.T) {
	m := NewMetrics()

	m.OnLaneState("c1", service.LaneIdle, service.LaneProcessing)
	m.OnLaneState("c2", service.LaneIdle, service.LaneProcessing)
	m.OnLaneState("c1", service.LaneProcessing, service.LaneIdle)
	if got := testutil.ToFloat64(m.ActiveLanes); got != 1 {
		t.Errorf("active lanes = %v, want 1", got)
	}

	m.OnOperation("send", 10*time.Millisecond, nil)
	m.OnOperation("send", time.Millisecond, apperrors.NewPermissionDeniedError("no"))
	m.OnOperation("edit", time.Millisecond, errors.New("boom"))

	tests := []struct {
		kind, status string
		want         float64
	}{
		{"send", "ok", 1},
		{"send", "permission_denied", 1},
		{"edit", "internal_error", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues(tt.kind, tt.status)); got != tt.want {
			t.Errorf("operations{%s,%s} = %v, want %v", tt.kind, tt.status, got, tt.want)
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP("GET", "/api/v1/conversations", 200, time.Millisecond)
	m.OnQueueDepth("c1", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, name := range []string{
		"messaging_http_requests_total",
		"messaging_queue_depth_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// === Monitor ===

func TestMonitor_Snapshot(t *testing.T) {
	mon := NewMonitor(Sources{
		ActiveLanes: func() int { return 2 },
		Clients:     func() int { return 5 },
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		mon.Snapshot()
	}
	h := mon.Health(true)
	if h.Status != "ok" || h.Current.ActiveLanes != 2 || h.Current.Clients != 5 {
		t.Errorf("health = %+v", h.Current)
	}
	if len(h.History) != 3 {
		t.Errorf("history = %d", len(h.History))
	}
	if mon.Health(false).History != nil {
		t.Error("history should be omitted")
	}
}

func TestMonitor_HistoryLimit(t *testing.T) {
	mon := NewMonitor(Sources{}, zap.NewNop())
	mon.historyLimit = 2
	for i := 0; i < 5; i++ {
		mon.Snapshot()
	}
	if got := len(mon.History()); got != 2 {
		t.Errorf("history = %d, want 2", got)
	}
}

func TestMonitor_CollectorStops(t *testing.T) {
	mon := NewMonitor(Sources{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.StartCollector(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
	if len(mon.History()) == 0 {
		t.Error("collector recorded nothing")
	}
}
