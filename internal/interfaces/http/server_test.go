package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/cache"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/directory"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/monitoring"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/persistence"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/storage"
	"github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/http/handlers"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// === Test fixtures ===

type apiClient struct {
	t       *testing.T
	handler http.Handler
	metrics *monitoring.Metrics
}

func newAPI(t *testing.T, cfg Config) *apiClient {
	t.Helper()
	logger := zap.NewNop()
	repos, tx := persistence.NewMemoryRepositories()
	bus := eventbus.NewInMemoryBus(logger, 100)
	metrics := monitoring.NewMetrics()
	coordinator := service.NewCoordinator(0, metrics, logger)

	deps := usecase.Dependencies{
		Repositories: repos,
		Transactor:   tx,
		Coordinator:  coordinator,
		Bus:          bus,
		Authorizer:   service.AllowAll,
		Directory: directory.NewYAMLDirectory(map[string]valueobject.UserProfile{
			"alice": {ID: "alice", DisplayName: "Alice", OfficeID: "east"},
			"bob":   {ID: "bob", DisplayName: "Bob", OfficeID: "east"},
		}, "", logger),
		Storage: storage.NewMemoryStorage(),
		Cache:   cache.NewMemoryAnalyticsCache(),
		Limits:  usecase.DefaultLimits(),
		Logger:  logger,
	}
	moderation := usecase.NewModerationUseCase(deps)
	t.Cleanup(func() {
		moderation.Close()
		_ = coordinator.Close(context.Background())
		bus.Close()
	})

	cfg.Mode = "test"
	srv := NewServer(cfg, Dependencies{
		Conversations: usecase.NewConversationUseCase(deps),
		Messages:      usecase.NewMessageUseCase(deps),
		Moderation:    moderation,
		Metrics:       metrics,
		Monitor:       monitoring.NewMonitor(monitoring.Sources{ActiveLanes: coordinator.ActiveLanes}, logger),
	}, logger)
	return &apiClient{t: t, handler: srv.Handler(), metrics: metrics}
}

func (a *apiClient) do(method, path, user string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (a *apiClient) createGroup(user, name string, members ...string) string {
	a.t.Helper()
	rec := a.do("POST", "/api/v1/conversations", user, map[string]any{
		"type": "group", "name": name, "participant_ids": members,
	})
	if rec.Code != http.StatusCreated {
		a.t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	return decode[handlers.ConversationResponse](a.t, rec).Conversation.ID
}

// === Error mapping ===

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.NewInvalidArgumentError("x"), 400},
		{errors.NewNotFoundError("x"), 404},
		{errors.NewPermissionDeniedError("x"), 403},
		{errors.NewConflictError("x"), 409},
		{errors.NewAlreadyExistsError("x"), 409},
		{errors.NewInvariantViolationError("x"), 422},
		{errors.NewInvalidOperationError("x"), 422},
		{errors.NewTimeoutError("x", context.DeadlineExceeded), 504},
		{errors.NewUnavailableError("x", nil), 503},
		{context.DeadlineExceeded, 504},
		{errors.NewInternalError("x"), 500},
	}
	for _, tt := range tests {
		t.Run(string(errors.CodeOf(tt.err)), func(t *testing.T) {
			if got := handlers.StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf = %d, want %d", got, tt.want)
			}
		})
	}
}

// === Identity ===

func TestIdentityHeaders(t *testing.T) {
	api := newAPI(t, Config{})

	rec := api.do("GET", "/api/v1/conversations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing user = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/conversations", nil)
	req.Header.Set(HeaderUserID, "alice")
	req.Header.Set(HeaderUserRole, "overlord")
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad role = %d", rec.Code)
	}

	if rec := api.do("GET", "/api/v1/conversations", "alice", nil); rec.Code != http.StatusOK {
		t.Errorf("valid identity = %d", rec.Code)
	}
}

// === Conversations and messages ===

func TestConversationMessageFlow(t *testing.T) {
	api := newAPI(t, Config{})
	convID := api.createGroup("alice", "Launch", "bob")

	rec := api.do("POST", "/api/v1/conversations/"+convID+"/messages", "bob", map[string]any{"content": "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	sent := decode[usecase.MessageView](t, rec)
	if sent.Sequence != 1 || sent.SenderID != "bob" {
		t.Errorf("sent = %+v", sent)
	}

	rec = api.do("GET", "/api/v1/conversations/"+convID+"/messages", "alice", nil)
	list := decode[struct {
		Messages []usecase.MessageView `json:"messages"`
	}](t, rec)
	if rec.Code != http.StatusOK || len(list.Messages) != 1 {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do("PATCH", "/api/v1/messages/"+sent.ID, "bob", map[string]any{"content": "hello there"})
	if rec.Code != http.StatusOK || decode[usecase.MessageView](t, rec).EditedAt == nil {
		t.Errorf("edit: %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do("PUT", "/api/v1/messages/"+sent.ID+"/reactions/%F0%9F%91%8D", "alice", nil)
	if rec.Code != http.StatusOK || !decode[map[string]bool](t, rec)["changed"] {
		t.Errorf("react: %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do("POST", "/api/v1/messages/"+sent.ID+"/read", "alice", nil)
	if rec.Code != http.StatusOK || !decode[map[string]bool](t, rec)["advanced"] {
		t.Errorf("read: %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do("GET", "/api/v1/conversations", "alice", nil)
	page := decode[handlers.ConversationListResponse](t, rec)
	if page.Total != 1 || page.Items[0].LastMessage == nil || *page.Items[0].UnreadCount != 0 {
		t.Errorf("conversation list = %s", rec.Body.String())
	}

	rec = api.do("GET", "/api/v1/conversations/"+convID+"/messages", "mallory", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider list = %d", rec.Code)
	}
	if body := decode[handlers.ErrorResponse](t, rec); body.Code != errors.CodePermissionDenied {
		t.Errorf("outsider error = %+v", body)
	}

	rec = api.do("GET", "/api/v1/conversations/missing", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing conversation = %d", rec.Code)
	}
}

func TestThreadEndpoint(t *testing.T) {
	api := newAPI(t, Config{})
	convID := api.createGroup("alice", "Launch", "bob")
	send := func(content, parent string) string {
		rec := api.do("POST", "/api/v1/conversations/"+convID+"/messages", "bob", map[string]any{"content": content, "parent_message_id": parent})
		if rec.Code != http.StatusCreated {
			t.Fatalf("send %q: %d %s", content, rec.Code, rec.Body.String())
		}
		return decode[usecase.MessageView](t, rec).ID
	}
	root := send("root", "")
	send("first", root)
	send("second", root)

	type threadBody struct {
		Root     usecase.MessageView   `json:"root"`
		Messages []usecase.MessageView `json:"messages"`
	}
	rec := api.do("GET", "/api/v1/messages/"+root+"/thread", "alice", nil)
	body := decode[threadBody](t, rec)
	if rec.Code != http.StatusOK || body.Root.ID != root {
		t.Fatalf("thread: %d %s", rec.Code, rec.Body.String())
	}
	if len(body.Messages) != 2 || body.Messages[0].Content != "first" || body.Messages[1].Content != "second" {
		t.Errorf("replies = %+v", body.Messages)
	}

	lonely := send("alone", "")
	rec = api.do("GET", "/api/v1/messages/"+lonely+"/thread", "alice", nil)
	if body := decode[threadBody](t, rec); body.Root.ID != lonely || body.Messages == nil || len(body.Messages) != 0 {
		t.Errorf("empty thread = %s", rec.Body.String())
	}
}

func TestSettingsAndParticipants(t *testing.T) {
	api := newAPI(t, Config{})
	convID := api.createGroup("alice", "Ops", "bob")

	rec := api.do("PUT", "/api/v1/conversations/"+convID+"/settings", "bob", map[string]any{"pinned": true, "archived": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("settings: %d %s", rec.Code, rec.Body.String())
	}
	p := decode[usecase.ParticipantView](t, rec)
	if !p.Pinned || !p.Archived {
		t.Errorf("membership = %+v", p)
	}

	if rec := api.do("PUT", "/api/v1/conversations/"+convID+"/settings", "bob", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty settings = %d", rec.Code)
	}

	rec = api.do("DELETE", "/api/v1/conversations/"+convID+"/participants/alice", "bob", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("member removing admin = %d", rec.Code)
	}

	rec = api.do("POST", "/api/v1/conversations/"+convID+"/leave", "bob", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("leave = %d %s", rec.Code, rec.Body.String())
	}
}

func TestExportAndUpload(t *testing.T) {
	api := newAPI(t, Config{})
	convID := api.createGroup("alice", "Notes", "bob")
	api.do("POST", "/api/v1/conversations/"+convID+"/messages", "alice", map[string]any{"content": "**bold** note"})

	rec := api.do("GET", "/api/v1/conversations/"+convID+"/export?format=markdown", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("content type = %s", ct)
	}
	if rec.Header().Get("X-Exported-Messages") != "1" {
		t.Errorf("exported = %s", rec.Header().Get("X-Exported-Messages"))
	}

	if rec := api.do("GET", "/api/v1/conversations/"+convID+"/export?from=yesterday", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad from = %d", rec.Code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "plan.txt")
	fw.Write([]byte("the plan"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUserID, "alice")
	up := httptest.NewRecorder()
	api.handler.ServeHTTP(up, req)
	if up.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", up.Code, up.Body.String())
	}
	att := decode[valueobject.Attachment](t, up)
	if att.Name != "plan.txt" || att.Size != 8 || !strings.HasPrefix(att.Handle, storage.MemScheme) {
		t.Errorf("attachment = %+v", att)
	}
}

// === Middleware ===

func TestRateLimit(t *testing.T) {
	api := newAPI(t, Config{RateLimitEnabled: true, RateLimitRPS: 0.001, RateLimitBurst: 2})
	convID := api.createGroup("alice", "Busy", "bob")

	var codes []int
	for i := 0; i < 2; i++ {
		rec := api.do("POST", "/api/v1/conversations/"+convID+"/messages", "alice", map[string]any{"content": "spam"})
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// 读请求不受限
	if rec := api.do("GET", "/api/v1/conversations", "alice", nil); rec.Code != http.StatusOK {
		t.Errorf("read after limit = %d", rec.Code)
	}
	// 其他用户有独立的令牌桶
	if rec := api.do("POST", "/api/v1/conversations/"+convID+"/messages", "bob", map[string]any{"content": "hi"}); rec.Code != http.StatusCreated {
		t.Errorf("other user = %d", rec.Code)
	}
}

func TestLimiterPool(t *testing.T) {
	pool := newLimiterPool(0.001, 1)
	if !pool.Allow("a") || pool.Allow("a") {
		t.Error("burst of one should allow exactly one request")
	}
	if !pool.Allow("b") {
		t.Error("keys should not share buckets")
	}
	if pool.size() != 2 {
		t.Errorf("size = %d", pool.size())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newAPI(t, Config{})
	convID := api.createGroup("alice", "Ping")
	api.do("POST", "/api/v1/conversations/"+convID+"/messages", "alice", map[string]any{"content": "pong"})

	rec := api.do("GET", "/health", "", nil)
	if rec.Code != http.StatusOK || decode[monitoring.Health](t, rec).Status != "ok" {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Error("response should carry a generated request id")
	}

	rec = api.do("GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "messaging_http_requests_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "messaging_operations_total") {
		t.Error("coordinator operations were not observed")
	}
}
