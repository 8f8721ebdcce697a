package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "ngoclaw"

// HomeDir returns the configuration home: ~/.ngoclaw
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the home directory exists with default messaging files.
// Only creates missing items, never overwrites user edits.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "attachments"),
		filepath.Join(root, "events"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	defaults := map[string]string{
		filepath.Join(root, "messaging.yaml"): defaultConfig,
		filepath.Join(root, "authz.yaml"):     DefaultPermissionTable,
		filepath.Join(root, "directory.yaml"): defaultDirectory,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("Messaging bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("Messaging home directory OK", zap.String("home", root))
	}

	return nil
}

// ──────────────────────────────────────────────────────────────
// Embedded default file contents
// ──────────────────────────────────────────────────────────────

const defaultConfig = `# Messaging core configuration / 消息核心配置
# Environment overrides use the MESSAGING_ prefix, e.g. MESSAGING_DATABASE_DSN.

server:
  host: 0.0.0.0
  port: 18790
  mode: release                # debug | release | test

database:
  type: sqlite                 # sqlite | postgres | memory
  dsn: messaging.db

log:
  level: info                  # debug | info | warn | error
  format: json                 # console | json

messages:
  max_content_length: 10000
  max_attachments: 10

attachments:
  storage_dir: ""              # empty = in-memory storage
  upload_timeout: 30s

moderation:
  analytics_ttl: 60s           # analytics may be stale up to this bound

cache:
  backend: memory              # memory | redis
  redis_addr: ""

authz:
  file: ""                     # empty = built-in permission table
  watch: true

directory:
  file: ""
  watch: true

events:
  wal_dir: ""                  # empty = no durable event log

ratelimit:
  enabled: true
  rps: 5
  burst: 20

retention:
  enabled: true
  schedule: "0 3 * * *"

grpc:
  enabled: false
  port: 50061
`

// DefaultPermissionTable 内置角色权限表
const DefaultPermissionTable = `# role -> resource -> actions; "*" matches any
roles:
  user:
    conversation: [create, read, update, leave, manage]
    message: [send, read, edit, delete, react, forward, export]
    attachment: [upload]
  manager:
    conversation: [create, read, update, leave, manage]
    message: [send, read, edit, delete, react, forward, export, moderate]
    attachment: [upload]
    moderation: [monitor, analytics, search]
  admin:
    "*": ["*"]
`

const defaultDirectory = `# Users known to the messaging core / 用户目录
users: []
# - id: "1"
#   display_name: Alice
#   office_id: O1
`
