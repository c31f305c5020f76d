package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TimingChanged covers pre_roll_duration, tail_padding_duration and
	// silence_threshold.
	TimingChanged bool

	// ThresholdsChanged covers the VAD and wake-word score knobs.
	ThresholdsChanged bool

	ExpiryChanged bool
	NewExpiry     Seconds

	// RestartRequired is set when a field that cannot be hot-reloaded
	// changed (listen address, pool size, provider set, detector engines,
	// model paths). The watcher logs these and keeps the running values.
	RestartRequired bool
}

// Empty reports whether no tracked field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TimingChanged && !d.ThresholdsChanged &&
		!d.ExpiryChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.PreRollDuration != new.PreRollDuration ||
		old.TailPaddingDuration != new.TailPaddingDuration ||
		old.SilenceThreshold != new.SilenceThreshold {
		d.TimingChanged = true
	}

	if old.VAD.SpeechThreshold != new.VAD.SpeechThreshold ||
		old.VAD.SilenceThreshold != new.VAD.SilenceThreshold ||
		old.WakeWord.Threshold != new.WakeWord.Threshold ||
		old.WakeWord.Cooldown != new.WakeWord.Cooldown {
		d.ThresholdsChanged = true
	}

	if old.Session.Expiry != new.Session.Expiry {
		d.ExpiryChanged = true
		d.NewExpiry = new.Session.Expiry
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Pool != new.Pool ||
		old.MaxHistoryDuration != new.MaxHistoryDuration ||
		old.RecordingsDir != new.RecordingsDir ||
		old.VAD.Engine != new.VAD.Engine ||
		old.VAD.ModelPath != new.VAD.ModelPath ||
		old.VAD.FrameSamples != new.VAD.FrameSamples ||
		old.WakeWord.Engine != new.WakeWord.Engine ||
		old.WakeWord.MelspecPath != new.WakeWord.MelspecPath ||
		old.WakeWord.EmbeddingPath != new.WakeWord.EmbeddingPath ||
		old.WakeWord.ModelPath != new.WakeWord.ModelPath ||
		providersChanged(old.Providers, new.Providers) {
		d.RestartRequired = true
	}

	return d
}

func providersChanged(old, new []ProviderEntry) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if old[i].Name != new[i].Name ||
			old[i].Type != new[i].Type ||
			old[i].APIKey != new[i].APIKey ||
			old[i].BaseURL != new[i].BaseURL ||
			old[i].Model != new[i].Model {
			return true
		}
	}
	return false
}
