package config_test

import (
	"testing"

	"github.com/jvdbroek/duolog/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Languages: config.LanguagesConfig{
			Staff:     "dutch",
			Visitor:   "arabic",
			Available: []string{"arabic", "english"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.AvailableChanged {
		t.Error("expected AvailableChanged=false for identical configs")
	}
	if d.VisitorChanged {
		t.Error("expected VisitorChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	cur := baseConfig()
	cur.Server.LogLevel = config.LogDebug

	d := config.Diff(old, cur)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_AvailableChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	cur := baseConfig()
	cur.Languages.Available = []string{"arabic", "english", "ukrainian"}

	d := config.Diff(old, cur)
	if !d.AvailableChanged {
		t.Error("expected AvailableChanged=true")
	}
	if len(d.NewAvailable) != 3 {
		t.Errorf("NewAvailable has %d entries, want 3", len(d.NewAvailable))
	}

	// The returned slice must be a copy.
	d.NewAvailable[0] = "mutated"
	if cur.Languages.Available[0] != "arabic" {
		t.Error("Diff returned a slice aliasing the new config")
	}
}

func TestDiff_VisitorChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	cur := baseConfig()
	cur.Languages.Visitor = "english"

	d := config.Diff(old, cur)
	if !d.VisitorChanged {
		t.Error("expected VisitorChanged=true")
	}
	if d.NewVisitor != "english" {
		t.Errorf("NewVisitor = %q, want %q", d.NewVisitor, "english")
	}
}

func TestDiff_OrderMattersForAvailable(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	cur := baseConfig()
	cur.Languages.Available = []string{"english", "arabic"}

	// Reordering changes the selector presentation, so it counts.
	d := config.Diff(old, cur)
	if !d.AvailableChanged {
		t.Error("expected AvailableChanged=true for reordered catalogue")
	}
}
