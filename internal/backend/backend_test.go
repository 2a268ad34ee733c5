package backend

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mockClaude installs testdata/mock-claude.sh as an executable in a temp dir.
func mockClaude(t *testing.T) string {
	t.Helper()
	script, err := os.ReadFile(filepath.Join("testdata", "mock-claude.sh"))
	if err != nil {
		t.Fatalf("read mock script: %v", err)
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, script, 0o755); err != nil {
		t.Fatalf("install mock script: %v", err)
	}
	return path
}

func TestFactory_CreatesClaudeAdapter(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:    "claude",
		WorkDir: "/tmp/test",
	}

	backend, err := New(cfg, pm)
	if err != nil {
		t.Fatalf("Expected no error creating Claude adapter, got: %v", err)
	}

	if _, ok := backend.(*ClaudeAdapter); !ok {
		t.Fatalf("Expected *ClaudeAdapter, got %T", backend)
	}

	if backend.SessionID() == "" {
		t.Error("Expected non-empty SessionID for Claude adapter")
	}
}

func TestFactory_DefaultsToClaude(t *testing.T) {
	backend, err := New(Config{WorkDir: "/tmp/test"}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := backend.(*ClaudeAdapter); !ok {
		t.Fatalf("Expected *ClaudeAdapter, got %T", backend)
	}
}

func TestFactory_CreatesCommandAdapter(t *testing.T) {
	backend, err := New(Config{Type: "command", Command: []string{"cat"}}, nil)
	if err != nil {
		t.Fatalf("Expected no error creating command adapter, got: %v", err)
	}
	if _, ok := backend.(*CommandAdapter); !ok {
		t.Fatalf("Expected *CommandAdapter, got %T", backend)
	}
}

func TestFactory_CommandRequiresArgv(t *testing.T) {
	if _, err := New(Config{Type: "command"}, nil); err == nil {
		t.Fatal("Expected error for command backend without a command")
	}
}

func TestFactory_UnknownType(t *testing.T) {
	backend, err := New(Config{Type: "gemini"}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown backend type, got nil")
	}
	if backend != nil {
		t.Errorf("Expected nil backend for unknown type, got: %v", backend)
	}
	if !strings.Contains(err.Error(), "unknown backend type") {
		t.Errorf("Expected error message to contain 'unknown backend type', got: %v", err)
	}
}

func TestAllAdapters_CloseIsIdempotent(t *testing.T) {
	configs := []Config{
		{Type: "claude", WorkDir: "/tmp/test"},
		{Type: "command", Command: []string{"cat"}},
	}
	for _, cfg := range configs {
		t.Run(cfg.Type, func(t *testing.T) {
			backend, err := New(cfg, nil)
			if err != nil {
				t.Fatalf("Failed to create backend: %v", err)
			}
			for i := 0; i < 2; i++ {
				if err := backend.Close(); err != nil {
					t.Errorf("Close() call %d returned error: %v", i+1, err)
				}
			}
		})
	}
}
