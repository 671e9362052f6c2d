package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AvailableChanged is true when the visitor-language catalogue changed.
	AvailableChanged bool
	NewAvailable     []string

	// VisitorChanged is true when the default visitor language changed.
	VisitorChanged bool
	NewVisitor     string
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: the listen
// address, TLS material, and store DSN require one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Languages.Available, new.Languages.Available) {
		d.AvailableChanged = true
		d.NewAvailable = slices.Clone(new.Languages.Available)
	}

	if old.Languages.Visitor != new.Languages.Visitor {
		d.VisitorChanged = true
		d.NewVisitor = new.Languages.Visitor
	}

	return d
}
