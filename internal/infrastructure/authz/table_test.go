package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/config"
)

func TestDefaultTable(t *testing.T) {
	table, err := ParseTable([]byte(config.DefaultPermissionTable))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}

	tests := []struct {
		role     valueobject.GlobalRole
		resource service.Resource
		action   service.Action
		want     bool
	}{
		{valueobject.GlobalRoleUser, service.ResourceMessage, service.ActionSend, true},
		{valueobject.GlobalRoleUser, service.ResourceMessage, service.ActionModerate, false},
		{valueobject.GlobalRoleUser, service.ResourceModeration, service.ActionMonitor, false},
		{valueobject.GlobalRoleManager, service.ResourceModeration, service.ActionAnalytics, true},
		{valueobject.GlobalRoleManager, service.ResourceMessage, service.ActionModerate, true},
		{valueobject.GlobalRoleAdmin, service.ResourceModeration, service.ActionSearch, true},
		{valueobject.GlobalRoleAdmin, "anything", "whatever", true},
		{"guest", service.ResourceMessage, service.ActionRead, false},
	}
	for _, tt := range tests {
		name := string(tt.role) + "/" + string(tt.resource) + "/" + string(tt.action)
		t.Run(name, func(t *testing.T) {
			if got := table.Allows(tt.role, tt.resource, tt.action); got != tt.want {
				t.Errorf("Allows = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTable_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid yaml", "roles: [oops"},
		{"empty", "roles: {}"},
		{"unknown role", "roles:\n  superuser:\n    message: [send]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTable([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTableAuthorizer_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authz.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  user:\n    message: [read]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	a := NewTableAuthorizer(table, path, zap.NewNop())
	alice := valueobject.NewIdentity("alice", valueobject.GlobalRoleUser, "")
	ctx := context.Background()

	if ok, _ := a.Authorize(ctx, alice, service.ResourceMessage, service.ActionSend); ok {
		t.Fatal("send should be denied before reload")
	}

	if err := os.WriteFile(path, []byte("roles:\n  user:\n    message: [read, send]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := a.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if ok, _ := a.Authorize(ctx, alice, service.ResourceMessage, service.ActionSend); !ok {
		t.Error("send should be allowed after reload")
	}

	if err := os.WriteFile(path, []byte("roles: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := a.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if ok, _ := a.Authorize(ctx, alice, service.ResourceMessage, service.ActionSend); !ok {
		t.Error("previous table should survive a failed reload")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := a.Authorize(cancelled, alice, service.ResourceMessage, service.ActionRead); err == nil {
		t.Error("cancelled context should surface an error")
	}
}
