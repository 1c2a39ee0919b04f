package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/l10-factory/sfc-tools/pkg/api"
)

// Aggregation granularities accepted everywhere periods are computed.
const (
	AggregationDaily   = "daily"
	AggregationWeekly  = "weekly"
	AggregationMonthly = "monthly"
)

// DefaultStationsOrder is the display order of the tray test flow.
var DefaultStationsOrder = []string{"FLA", "FLB", "AST", "FTS", "FCT", "RIN", "NVL"}

// PassRules maps each station to the part numbers that are considered passed
// once they PASS at that station. A part number found in no list passes at
// UnknownStation instead.
type PassRules struct {
	Stations       map[string][]string `json:"stations,omitempty"`
	UnknownStation string              `json:"unknown_station,omitempty"`
}

// Config holds the analytics settings that operators tune per site.
type Config struct {
	StationsOrder      []string  `json:"stations_order,omitempty"`
	PassRules          PassRules `json:"pass_rules,omitempty"`
	Timezone           string    `json:"timezone,omitempty"`
	ExtendHours        int       `json:"extend_hours,omitempty"`
	TopKErrorsDefault  int       `json:"top_k_errors_default,omitempty"`
	AggregationDefault string    `json:"aggregation_default,omitempty"`
	TTCBuckets         []int     `json:"ttc_buckets,omitempty"`
	TTCPercentile      float64   `json:"ttc_percentile,omitempty"`

	location *time.Location
}

// DefaultConfig returns the configuration the service runs with when no file
// overrides it.
func DefaultConfig() *Config {
	c := &Config{
		StationsOrder: append([]string{}, DefaultStationsOrder...),
		PassRules: PassRules{
			Stations: map[string][]string{
				"FCT": {"675-24109-0010-TS2", "675-24109-0020-TS2"},
			},
			UnknownStation: "RIN",
		},
		Timezone:           "America/Los_Angeles",
		ExtendHours:        2,
		TopKErrorsDefault:  5,
		AggregationDefault: AggregationDaily,
		TTCBuckets:         []int{5, 15, 60},
		TTCPercentile:      0.9,
	}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return c
}

// LoadConfig loads config from a file, filling unset fields with defaults.
// A missing file yields the default config.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read the config file %q: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the config %q: %w", configPath, err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", configPath, err)
	}
	return config, nil
}

// SaveConfig saves config to a file.
func SaveConfig(config *Config, configPath string) error {
	bytes, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, bytes, 0644)
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if len(c.StationsOrder) == 0 {
		c.StationsOrder = def.StationsOrder
	}
	if c.PassRules.Stations == nil {
		c.PassRules.Stations = def.PassRules.Stations
	}
	if c.PassRules.UnknownStation == "" {
		c.PassRules.UnknownStation = def.PassRules.UnknownStation
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.ExtendHours == 0 {
		c.ExtendHours = def.ExtendHours
	}
	if c.TopKErrorsDefault == 0 {
		c.TopKErrorsDefault = def.TopKErrorsDefault
	}
	if c.AggregationDefault == "" {
		c.AggregationDefault = def.AggregationDefault
	}
	if len(c.TTCBuckets) == 0 {
		c.TTCBuckets = def.TTCBuckets
	}
	if c.TTCPercentile == 0 {
		c.TTCPercentile = def.TTCPercentile
	}
}

// Validate checks the config, normalizes station names and resolves the
// business timezone.
func (c *Config) Validate() error {
	var errs []error
	if len(c.StationsOrder) == 0 {
		errs = append(errs, fmt.Errorf("stations_order must not be empty"))
	}
	for i, station := range c.StationsOrder {
		c.StationsOrder[i] = api.Norm(station)
	}
	normalized := map[string][]string{}
	for station, partNumbers := range c.PassRules.Stations {
		var kept []string
		for _, pn := range partNumbers {
			if trimmed := strings.TrimSpace(pn); trimmed != "" {
				kept = append(kept, trimmed)
			}
		}
		normalized[api.Norm(station)] = kept
	}
	c.PassRules.Stations = normalized
	c.PassRules.UnknownStation = api.Norm(c.PassRules.UnknownStation)
	if c.PassRules.UnknownStation == "" {
		c.PassRules.UnknownStation = "RIN"
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	} else {
		c.location = loc
	}

	switch c.AggregationDefault {
	case AggregationDaily, AggregationWeekly, AggregationMonthly:
	default:
		errs = append(errs, fmt.Errorf("invalid aggregation_default %q", c.AggregationDefault))
	}

	if len(c.TTCBuckets) != 3 {
		errs = append(errs, fmt.Errorf("ttc_buckets must hold exactly 3 thresholds, got %d", len(c.TTCBuckets)))
	} else if !(c.TTCBuckets[0] < c.TTCBuckets[1] && c.TTCBuckets[1] < c.TTCBuckets[2]) {
		errs = append(errs, fmt.Errorf("ttc_buckets must be strictly ascending, got %v", c.TTCBuckets))
	}
	if c.TTCPercentile <= 0 || c.TTCPercentile > 1 {
		errs = append(errs, fmt.Errorf("ttc_percentile must be in (0, 1], got %v", c.TTCPercentile))
	}
	if c.TopKErrorsDefault < 1 {
		errs = append(errs, fmt.Errorf("top_k_errors_default must be at least 1, got %d", c.TopKErrorsDefault))
	}
	return utilerrors.NewAggregate(errs)
}

// Location is the business timezone all calendar-date derivations localize
// into before bucketing.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// PassStationFor resolves the station at which the given part number is
// considered passed: exact membership in a station allow-list, walking
// stations in display order, with UnknownStation as the fallback for part
// numbers no list claims.
func (c *Config) PassStationFor(partNumber string) string {
	pn := api.Norm(partNumber)
	for _, station := range c.StationsOrder {
		for _, candidate := range c.PassRules.Stations[station] {
			if api.Norm(candidate) == pn {
				return station
			}
		}
	}
	return c.PassRules.UnknownStation
}

// UnassignedPartNumbers returns the observed part numbers that no pass-rule
// list claims, sorted ascending. "UNKNOWN" and blanks are never reported.
func (c *Config) UnassignedPartNumbers(observed sets.Set[string]) []string {
	assigned := sets.New[string]()
	for _, partNumbers := range c.PassRules.Stations {
		for _, pn := range partNumbers {
			if p := api.Norm(pn); p != "" && p != "UNKNOWN" {
				assigned.Insert(p)
			}
		}
	}
	var unassigned []string
	for pn := range observed {
		p := api.Norm(pn)
		if p == "" || p == "UNKNOWN" || assigned.Has(p) {
			continue
		}
		unassigned = append(unassigned, p)
	}
	sort.Strings(unassigned)
	return unassigned
}
