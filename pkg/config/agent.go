package config

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Agent serves the current config to concurrent readers and applies updates
// through save-then-reload. Readers get a snapshot pointer and must treat it
// as read-only; updates between calls are expected and tolerated.
type Agent struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewAgent loads the config at path (defaults apply when the file is missing)
// and returns an agent serving it.
func NewAgent(path string) (*Agent, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &Agent{path: path, cfg: cfg}, nil
}

// Config returns the current config snapshot.
func (a *Agent) Config() *Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reload re-reads the config file. The previous config stays in place when
// reloading fails.
func (a *Agent) Reload() error {
	cfg, err := LoadConfig(a.path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	logrus.WithField("path", a.path).Debug("Reloaded analytics config.")
	return nil
}

// UpdatePassRules replaces the pass rules, persists the config and serves the
// updated snapshot. The current snapshot is deep-copied first: Validate
// normalizes slices in place, and readers holding the published config must
// never see writes to shared backing arrays.
func (a *Agent) UpdatePassRules(rules PassRules) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	updated := *a.cfg
	updated.StationsOrder = append([]string(nil), a.cfg.StationsOrder...)
	updated.TTCBuckets = append([]int(nil), a.cfg.TTCBuckets...)
	stations := make(map[string][]string, len(rules.Stations))
	for station, partNumbers := range rules.Stations {
		stations[station] = append([]string(nil), partNumbers...)
	}
	updated.PassRules = PassRules{Stations: stations, UnknownStation: rules.UnknownStation}
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("invalid pass rules: %w", err)
	}
	if err := SaveConfig(&updated, a.path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	a.cfg = &updated
	return nil
}
