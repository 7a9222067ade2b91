package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level and the session defaults are applied live; every other
// change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when model, language or capabilities differ.
	// The new values take effect on the next connection.
	SessionChanged bool

	// RestartRequired names changed settings that only apply on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	was, now := old.Stream, new.Stream
	if was.Model != now.Model || was.Language != now.Language || !reflect.DeepEqual(was.Capabilities, now.Capabilities) {
		d.SessionChanged = true
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("stream.host", was.Host != now.Host)
	restart("stream.secure", was.Secure != now.Secure)
	restart("stream.path", was.Path != now.Path)
	restart("stream.session_path", was.SessionPath != now.SessionPath)
	restart("stream.client_id", was.ClientID != now.ClientID)
	restart("stream.handshake_timeout", was.HandshakeTimeout != now.HandshakeTimeout)
	restart("reconnect", old.Reconnect != new.Reconnect)
	restart("heartbeat", old.Heartbeat != new.Heartbeat)
	restart("queue", old.Queue != new.Queue)
	restart("capture", old.Capture != new.Capture)

	return d
}
