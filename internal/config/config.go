// Package config loads the doorsense system configuration from a JSON file.
// Fields are pointers so that values omitted from the file fall back to the
// defaults supplied by the Get* accessors; partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sensor variant identifiers accepted by radar.variant.
const (
	VariantLD2450 = "ld2450"
	VariantRD03D  = "rd03d"
)

// Criterion requirement levels accepted in credential criteria.
const (
	CriterionRequired = "REQUIRED"
	CriterionOptional = "OPTIONAL"
	CriterionDisabled = "DISABLED"
)

// Config is the root configuration for the door-open engine.
type Config struct {
	Radar   RadarConfig  `json:"radar"`
	Beacons BeaconConfig `json:"beacons"`
	Door    DoorConfig   `json:"door"`
}

// RadarConfig holds the sensor and decision tunables.
type RadarConfig struct {
	UARTPort         *string  `json:"uart_port,omitempty"`
	Variant          *string  `json:"variant,omitempty"`
	LoopInterval     *string  `json:"loop_interval,omitempty"` // duration string like "50ms"
	TrendWindowSize  *int     `json:"trend_window_size,omitempty"`
	NoiseThreshold   *float64 `json:"noise_threshold_cm_per_s,omitempty"`
	ExpectedSide     *string  `json:"expected_side,omitempty"` // "negative" or "positive"
	SignChangeYMaxMM *int     `json:"sign_change_y_max_mm,omitempty"`
	SignChangeXMaxMM *int     `json:"sign_change_x_max_mm,omitempty"`
	ComfortDelay     *string  `json:"comfort_delay,omitempty"`
	CooldownDuration *string  `json:"cooldown_duration,omitempty"`
	ScanTimeout      *string  `json:"ble_scan_timeout,omitempty"`
}

// BeaconConfig holds the identity-matching parameters shared by all
// credentials plus the per-credential entries.
type BeaconConfig struct {
	IBeaconUUID           *string            `json:"ibeacon_uuid,omitempty"`
	EddystoneNamespaceID  *string            `json:"eddystone_namespace_id,omitempty"`
	IdentificationTimeout *string            `json:"identification_timeout,omitempty"`
	Credentials           []CredentialConfig `json:"credentials,omitempty"`
}

// CredentialConfig describes one known credential, keyed by its physical
// (MAC) address.
type CredentialConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`

	Criteria CriteriaConfig `json:"criteria"`

	IBeaconMajor *uint16 `json:"ibeacon_major,omitempty"`
	IBeaconMinor *uint16 `json:"ibeacon_minor,omitempty"`
	EddystoneUID *string `json:"eddystone_instance_id,omitempty"`
	EddystoneURL *string `json:"eddystone_url,omitempty"`

	// IdentificationTimeout overrides the global timeout for this credential.
	IdentificationTimeout *string `json:"identification_timeout,omitempty"`
}

// CriteriaConfig assigns a requirement level to each identity facet.
// Unset fields default to DISABLED.
type CriteriaConfig struct {
	IBeacon      *string `json:"ibeacon,omitempty"`
	EddystoneUID *string `json:"eddystone_uid,omitempty"`
	EddystoneURL *string `json:"eddystone_url,omitempty"`
	Address      *string `json:"address,omitempty"`
}

// DoorConfig holds actuator-facing parameters.
type DoorConfig struct {
	RelayDuration *string `json:"relay_activation_duration,omitempty"`
}

// Load reads and validates a Config from a JSON file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration values that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Radar.Variant != nil {
		switch *c.Radar.Variant {
		case VariantLD2450, VariantRD03D:
		default:
			return fmt.Errorf("unknown radar variant %q: expected %q or %q",
				*c.Radar.Variant, VariantLD2450, VariantRD03D)
		}
	}

	if c.Radar.ExpectedSide != nil {
		switch *c.Radar.ExpectedSide {
		case "negative", "positive":
		default:
			return fmt.Errorf("expected_side must be \"negative\" or \"positive\", got %q", *c.Radar.ExpectedSide)
		}
	}

	if c.Radar.TrendWindowSize != nil && *c.Radar.TrendWindowSize < 2 {
		return fmt.Errorf("trend_window_size must be at least 2, got %d", *c.Radar.TrendWindowSize)
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{"loop_interval", c.Radar.LoopInterval},
		{"comfort_delay", c.Radar.ComfortDelay},
		{"cooldown_duration", c.Radar.CooldownDuration},
		{"ble_scan_timeout", c.Radar.ScanTimeout},
		{"identification_timeout", c.Beacons.IdentificationTimeout},
		{"relay_activation_duration", c.Door.RelayDuration},
	} {
		if field.value != nil && *field.value != "" {
			if _, err := time.ParseDuration(*field.value); err != nil {
				return fmt.Errorf("invalid %s %q: %w", field.name, *field.value, err)
			}
		}
	}

	seen := make(map[string]bool)
	for i, cred := range c.Beacons.Credentials {
		if cred.Address == "" {
			return fmt.Errorf("credential %d (%q) has no address", i, cred.Name)
		}
		addr := strings.ToUpper(cred.Address)
		if seen[addr] {
			return fmt.Errorf("duplicate credential address %q", cred.Address)
		}
		seen[addr] = true

		for _, crit := range []*string{
			cred.Criteria.IBeacon, cred.Criteria.EddystoneUID,
			cred.Criteria.EddystoneURL, cred.Criteria.Address,
		} {
			if crit == nil {
				continue
			}
			switch *crit {
			case CriterionRequired, CriterionOptional, CriterionDisabled:
			default:
				return fmt.Errorf("credential %q: invalid criterion level %q", cred.Name, *crit)
			}
		}

		if cred.IdentificationTimeout != nil && *cred.IdentificationTimeout != "" {
			if _, err := time.ParseDuration(*cred.IdentificationTimeout); err != nil {
				return fmt.Errorf("credential %q: invalid identification_timeout: %w", cred.Name, err)
			}
		}
	}

	return nil
}

func durationOr(s *string, fallback time.Duration) time.Duration {
	if s == nil || *s == "" {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback
	}
	return d
}

// GetUARTPort returns the serial device path or the default.
func (c *RadarConfig) GetUARTPort() string {
	if c.UARTPort == nil || *c.UARTPort == "" {
		return "/dev/ttyAMA2"
	}
	return *c.UARTPort
}

// GetVariant returns the sensor variant or the default.
func (c *RadarConfig) GetVariant() string {
	if c.Variant == nil || *c.Variant == "" {
		return VariantLD2450
	}
	return *c.Variant
}

// GetLoopInterval returns the reader poll period or the default.
func (c *RadarConfig) GetLoopInterval() time.Duration {
	return durationOr(c.LoopInterval, 50*time.Millisecond)
}

// GetTrendWindowSize returns the trend window length or the default.
func (c *RadarConfig) GetTrendWindowSize() int {
	if c.TrendWindowSize == nil {
		return 7
	}
	return *c.TrendWindowSize
}

// GetNoiseThreshold returns the trend noise band in cm/s or the default.
func (c *RadarConfig) GetNoiseThreshold() float64 {
	if c.NoiseThreshold == nil {
		return 5.0
	}
	return *c.NoiseThreshold
}

// GetExpectedSide returns the approach-side sign (+1 or -1).
func (c *RadarConfig) GetExpectedSide() int {
	if c.ExpectedSide != nil && *c.ExpectedSide == "positive" {
		return 1
	}
	return -1
}

// GetSignChangeYMaxMM returns the near-field y bound for zero-crossing
// validation or the default.
func (c *RadarConfig) GetSignChangeYMaxMM() int {
	if c.SignChangeYMaxMM == nil {
		return 500
	}
	return *c.SignChangeYMaxMM
}

// GetSignChangeXMaxMM returns the lateral x bound for zero-crossing
// validation or the default.
func (c *RadarConfig) GetSignChangeXMaxMM() int {
	if c.SignChangeXMaxMM == nil {
		return 700
	}
	return *c.SignChangeXMaxMM
}

// GetComfortDelay returns the pause before the door-open command or the
// default.
func (c *RadarConfig) GetComfortDelay() time.Duration {
	return durationOr(c.ComfortDelay, 500*time.Millisecond)
}

// GetCooldownDuration returns the post-trigger suppression interval or the
// default.
func (c *RadarConfig) GetCooldownDuration() time.Duration {
	return durationOr(c.CooldownDuration, 3*time.Second)
}

// GetScanTimeout returns the identity scan bound or the default.
func (c *RadarConfig) GetScanTimeout() time.Duration {
	return durationOr(c.ScanTimeout, 1500*time.Millisecond)
}

// GetIBeaconUUID returns the system-wide iBeacon proximity UUID.
func (c *BeaconConfig) GetIBeaconUUID() string {
	if c.IBeaconUUID == nil {
		return ""
	}
	return *c.IBeaconUUID
}

// GetEddystoneNamespaceID returns the system-wide namespace ID (hex, upper
// case).
func (c *BeaconConfig) GetEddystoneNamespaceID() string {
	if c.EddystoneNamespaceID == nil {
		return ""
	}
	return strings.ToUpper(*c.EddystoneNamespaceID)
}

// GetIdentificationTimeout returns the global inactivity timeout or the
// default.
func (c *BeaconConfig) GetIdentificationTimeout() time.Duration {
	return durationOr(c.IdentificationTimeout, 4*time.Second)
}

// GetIdentificationTimeout resolves the per-credential override, falling back
// to the supplied global value.
func (c *CredentialConfig) GetIdentificationTimeout(global time.Duration) time.Duration {
	return durationOr(c.IdentificationTimeout, global)
}

// Level returns the requirement level for a facet pointer, defaulting to
// DISABLED when unset.
func Level(s *string) string {
	if s == nil || *s == "" {
		return CriterionDisabled
	}
	return *s
}

// GetRelayDuration returns the door relay activation duration or the default.
func (c *DoorConfig) GetRelayDuration() time.Duration {
	return durationOr(c.RelayDuration, 4*time.Second)
}
