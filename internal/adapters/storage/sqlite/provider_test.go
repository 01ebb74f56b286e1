package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

func TestNewProvider(t *testing.T) {
	provider, err := NewProvider(":memory:")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if provider == nil {
		t.Fatal("NewProvider returned nil")
	}
	defer provider.Close()

	var _ ports.StorageProvider = provider

	run := &domain.PipelineRun{ID: "r", PipeCode: "p", State: domain.RunStarted, CreatedAt: time.Now().UTC()}
	if err := provider.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if _, err := provider.GetRun(context.Background(), "r"); err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
}

func TestNewProvider_InvalidPath(t *testing.T) {
	_, err := NewProvider("/invalid/path/that/does/not/exist/test.db")
	if err == nil {
		t.Error("Expected error for invalid path")
	}
}

func TestProvider_Close(t *testing.T) {
	provider, _ := NewProvider(":memory:")

	err := provider.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
