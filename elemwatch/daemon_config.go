package elemwatch

import (
	"io"
	"log/slog"

	"github.com/hazyhaar/horosdom/elemwatch/event"
	"github.com/hazyhaar/horosdom/elemwatch/internal/config"
	"github.com/hazyhaar/horosdom/elemwatch/internal/sink"
)

// DaemonConfig is the daemon configuration file. Re-exported from internal.
type DaemonConfig = config.Config

// DocumentConfig says where the daemon document comes from.
type DocumentConfig = config.DocumentConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// Rule is a named watch rule.
type Rule = event.Rule

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*DaemonConfig, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (*DaemonConfig, error) {
	return config.Parse(data)
}

// Sink is the output interface for match events.
type Sink = sink.Sink

// EventFunc receives events in process.
type EventFunc = sink.EventFunc

// NewStdoutSink creates a JSON-lines sink. A nil w writes to os.Stdout.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, retries int, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookRetries(retries), sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process sink.
func NewCallbackSink(fn EventFunc) Sink {
	return sink.NewCallback(fn)
}

// SinksFromConfig builds the sinks listed in cfg.
func SinksFromConfig(cfg *DaemonConfig, logger *slog.Logger) []Sink {
	var out []Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			out = append(out, NewStdoutSink(nil))
		case "webhook":
			out = append(out, NewWebhookSink(sc.URL, sc.Retries, logger))
		}
	}
	return out
}
