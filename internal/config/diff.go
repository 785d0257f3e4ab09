package config

// ConfigDiff describes what changed between two configs.
// Hot-reloadable settings are reported individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SilenceChanged bool
	NewSilence     SilenceConfig

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SilenceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Silence != new.Silence {
		d.SilenceChanged = true
		d.NewSilence = new.Silence
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Connection != new.Connection {
		d.RestartRequired = append(d.RestartRequired, "connection")
	}
	if old.Live != new.Live {
		d.RestartRequired = append(d.RestartRequired, "live")
	}
	if old.Token != new.Token {
		d.RestartRequired = append(d.RestartRequired, "token")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	return d
}

func audioEqual(a, b AudioConfig) bool {
	if a.SampleRate != b.SampleRate || a.Channels != b.Channels ||
		a.ChunkInterval != b.ChunkInterval || a.MaxDuration != b.MaxDuration {
		return false
	}
	if Enabled(a.EchoCancellation) != Enabled(b.EchoCancellation) ||
		Enabled(a.NoiseSuppression) != Enabled(b.NoiseSuppression) ||
		Enabled(a.AutoGainControl) != Enabled(b.AutoGainControl) {
		return false
	}
	if len(a.Encodings) != len(b.Encodings) {
		return false
	}
	for i := range a.Encodings {
		if a.Encodings[i] != b.Encodings[i] {
			return false
		}
	}
	return true
}
