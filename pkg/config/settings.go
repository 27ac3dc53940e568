package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ooni/minispeed/internal/transport"
)

// Duration is a [time.Duration] that reads and writes JSON strings such
// as "15s".
type Duration time.Duration

// Std converts into a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

const (
	// DefaultPayloadSize is the size of each download in bytes.
	DefaultPayloadSize = 50_000_000

	// DefaultTestDuration is the budget of the download loop.
	DefaultTestDuration = Duration(15 * time.Second)

	// DefaultMaxProbedServers is how many candidates get pinged.
	DefaultMaxProbedServers = 5

	// DefaultProbeTimeout bounds each echo.
	DefaultProbeTimeout = Duration(3 * time.Second)
)

// Settings are the tunables of a run.
type Settings struct {
	PayloadSize      int64               `json:"payload_size"`
	TestDuration     Duration            `json:"test_duration"`
	MaxProbedServers int                 `json:"max_probed_servers"`
	ProbeTimeout     Duration            `json:"probe_timeout"`
	HTTPTimeout      Duration            `json:"http_timeout"`
	Endpoints        transport.Endpoints `json:"endpoints"`
	UserAgent        string              `json:"user_agent"`
}

// DefaultSettings returns the default tunables.
func DefaultSettings() *Settings {
	return &Settings{
		PayloadSize:      DefaultPayloadSize,
		TestDuration:     DefaultTestDuration,
		MaxProbedServers: DefaultMaxProbedServers,
		ProbeTimeout:     DefaultProbeTimeout,
		Endpoints:        transport.DefaultEndpoints(),
		UserAgent:        transport.DefaultUserAgent,
	}
}

var errBadSettings = errors.New("bad settings")

// Validate returns an error if a tunable is out of range.
func (s *Settings) Validate() error {
	switch {
	case s.PayloadSize <= 0:
		return fmt.Errorf("%w: payload_size must be positive", errBadSettings)
	case s.TestDuration <= 0:
		return fmt.Errorf("%w: test_duration must be positive", errBadSettings)
	case s.MaxProbedServers <= 0:
		return fmt.Errorf("%w: max_probed_servers must be positive", errBadSettings)
	case s.ProbeTimeout <= 0:
		return fmt.Errorf("%w: probe_timeout must be positive", errBadSettings)
	case s.HTTPTimeout < 0:
		return fmt.Errorf("%w: http_timeout cannot be negative", errBadSettings)
	case s.Endpoints.Token == "" || s.Endpoints.IPInfo == "" || s.Endpoints.Servers == "":
		return fmt.Errorf("%w: missing endpoint", errBadSettings)
	}
	return nil
}

// ReadSettingsFile reads JSON settings from path. Missing fields keep
// their default value.
func ReadSettingsFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("%w: %s", errBadSettings, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}
