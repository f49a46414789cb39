package main

import (
	"context"
	"path/filepath"
	"testing"

	"dukapos/internal/config"
	queuememory "dukapos/internal/queue/memory"
	queuesqlite "dukapos/internal/queue/sqlite"
	"dukapos/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{Env: "production", AuthSecret: "short", AllowedOrigin: "https://till.example.com"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigRejectsWildcardOrigin(t *testing.T) {
	err := validateSecurityConfig(config.Config{Env: "production", AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "*"})
	if err == nil {
		t.Fatalf("expected wildcard origin to be rejected outside development")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{Env: "production", AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "https://till.example.com"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRelaxedInDevelopment(t *testing.T) {
	if err := validateSecurityConfig(config.Config{Env: "development"}); err != nil {
		t.Fatalf("expected development config to pass, got %v", err)
	}
}

func TestOpenRepositoryFallsBackToMemory(t *testing.T) {
	repo, closeFn, err := openRepository(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("in-memory repository needs no closer")
	}
	if _, ok := repo.(*memory.Store); !ok {
		t.Fatalf("expected in-memory store, got %T", repo)
	}
}

func TestOpenQueueStore(t *testing.T) {
	st, closeFn := openQueueStore(context.Background(), "")
	if _, ok := st.(*queuememory.Store); !ok || closeFn != nil {
		t.Fatalf("expected in-memory queue for empty path, got %T", st)
	}

	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	st, closeFn = openQueueStore(context.Background(), path)
	if _, ok := st.(*queuesqlite.Store); !ok {
		t.Fatalf("expected sqlite queue, got %T", st)
	}
	if closeFn == nil {
		t.Fatalf("expected sqlite queue to be closable")
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close queue: %v", err)
	}
}
