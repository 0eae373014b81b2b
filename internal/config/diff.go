package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot fields are applied by the running server; RestartRequired names the
// sections whose changes only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistanceChanged is set when any assistance setting changed.
	AssistanceChanged bool

	// ProductsChanged is set when the product catalog or its boost changed.
	ProductsChanged bool

	RestartRequired []string
}

// Changed reports whether d holds any difference.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AssistanceChanged || d.ProductsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.AssistanceChanged = !reflect.DeepEqual(old.Assistance, new.Assistance)
	d.ProductsChanged = !slices.Equal(old.Transcription.Products, new.Transcription.Products) ||
		old.Transcription.KeywordBoost != new.Transcription.KeywordBoost

	// Compare the server section without its hot field.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Device, new.Device) {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	oldT, newT := old.Transcription, new.Transcription
	oldT.Products, newT.Products = nil, nil
	oldT.KeywordBoost, newT.KeywordBoost = 0, 0
	if !reflect.DeepEqual(oldT, newT) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.CallLog != new.CallLog {
		d.RestartRequired = append(d.RestartRequired, "calllog")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}
