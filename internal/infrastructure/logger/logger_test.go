package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messaging.log")
	log, err := NewLogger(Config{Level: "WARN", Format: "json", OutputPath: path, Service: "messaging", Version: "1.2.0"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Info("hidden")
	log.Warn("visible")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	for _, want := range []string{`"msg":"visible"`, `"service":"messaging"`, `"version":"1.2.0"`, `"timestamp"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}

func TestNewLogger_Defaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"bad level", Config{Level: "loud", Format: "console", OutputPath: "stderr"}},
		{"unknown format", Config{Format: "xml", OutputPath: "stdout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewLogger(tt.cfg)
			if err != nil || log == nil {
				t.Fatalf("new logger: %v", err)
			}
		})
	}

	if Quiet() == nil {
		t.Error("quiet logger should never be nil")
	}
}
