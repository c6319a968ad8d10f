// Package config loads humidistat configuration.
//
// Configuration comes from an optional YAML file given with --config. Values
// missing from the file keep their defaults, and a small set of environment
// variables override the file:
//
//	HUMIDISTAT_DB_PATH        db.path
//	HUMIDISTAT_HTTP_ADDR      http.addr
//	HUMIDISTAT_MQTT_BROKER    mqtt.broker
//	HUMIDISTAT_ACTUATOR_URL   actuator.url
//	HUMIDISTAT_FORWARD_URL    ingest.forward_url
//	HUMIDISTAT_LOG_LEVEL      log.level
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // timezone names resolve on hosts without zoneinfo

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/humidistat/internal/dispatch"
)

// Config is the complete daemon configuration.
type Config struct {
	DB       DBConfig       `yaml:"db"`
	HTTP     HTTPConfig     `yaml:"http"`
	Control  ControlConfig  `yaml:"control"`
	Actuator ActuatorConfig `yaml:"actuator"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Log      LogConfig      `yaml:"log"`
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the API and status server.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr"`
}

// ControlConfig tunes the control loop.
type ControlConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Freshness time.Duration `yaml:"freshness"`
	// Timezone names the location whose hour selects the schedule entry.
	Timezone string `yaml:"timezone"`
	// Zones, when set, is the fixed list of managed zones.
	Zones       []int `yaml:"zones"`
	MaxParallel int   `yaml:"max_parallel"`
	RunOnStart  bool  `yaml:"run_on_start"`
}

// ActuatorConfig selects how commands reach the humidifiers.
type ActuatorConfig struct {
	// URL is the command URL template with {zone} and {status} placeholders.
	URL     string        `yaml:"url"`
	Method  string        `yaml:"method"`
	Timeout time.Duration `yaml:"timeout"`
	// Zones overrides URL for individual zones.
	Zones map[int]string `yaml:"zones"`
	GPIO  GPIOConfig     `yaml:"gpio"`
}

// GPIOConfig maps zones to relay pins on the local GPIO header.
// Zones listed here bypass the HTTP actuator.
type GPIOConfig struct {
	Chip      string      `yaml:"chip"`
	ActiveLow bool        `yaml:"active_low"`
	Pins      map[int]int `yaml:"pins"`
}

// MQTTConfig configures the decision notifier. Empty Broker disables it.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	BufferSize int    `yaml:"buffer_size"`
}

// IngestConfig configures what happens to accepted sensor readings besides
// storage.
type IngestConfig struct {
	// ForwardURL receives each accepted payload as a JSON POST. Empty disables forwarding.
	ForwardURL     string        `yaml:"forward_url"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DB:   DBConfig{Path: "humidistat.db"},
		HTTP: HTTPConfig{Addr: ":5000"},
		Control: ControlConfig{
			Interval:    time.Minute,
			Freshness:   15 * time.Minute,
			Timezone:    "UTC",
			MaxParallel: 8,
			RunOnStart:  true,
		},
		Actuator: ActuatorConfig{
			URL:     dispatch.DefaultURLTemplate,
			Method:  http.MethodGet,
			Timeout: dispatch.DefaultTimeout,
			GPIO:    GPIOConfig{Chip: "gpiochip0"},
		},
		MQTT: MQTTConfig{
			ClientID:   "humidistat",
			BufferSize: 256,
		},
		Ingest: IngestConfig{ForwardTimeout: 5 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("HUMIDISTAT_DB_PATH", &c.DB.Path)
	set("HUMIDISTAT_HTTP_ADDR", &c.HTTP.Addr)
	set("HUMIDISTAT_MQTT_BROKER", &c.MQTT.Broker)
	set("HUMIDISTAT_ACTUATOR_URL", &c.Actuator.URL)
	set("HUMIDISTAT_FORWARD_URL", &c.Ingest.ForwardURL)
	set("HUMIDISTAT_LOG_LEVEL", &c.Log.Level)
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DB.Path == "" {
		add("db.path is required")
	}
	if c.Control.Interval <= 0 {
		add("control.interval must be positive, got %s", c.Control.Interval)
	}
	if c.Control.Freshness <= 0 {
		add("control.freshness must be positive, got %s", c.Control.Freshness)
	}
	if c.Control.MaxParallel < 1 {
		add("control.max_parallel must be at least 1, got %d", c.Control.MaxParallel)
	}
	if _, err := time.LoadLocation(c.Control.Timezone); err != nil {
		add("control.timezone: %w", err)
	}
	for _, z := range c.Control.Zones {
		if z <= 0 {
			add("control.zones: zone ids must be positive, got %d", z)
		}
	}

	for zone, tmpl := range c.actuatorTemplates() {
		if !strings.Contains(tmpl, "{zone}") {
			add("actuator url for zone %d: template %q has no {zone} placeholder", zone, tmpl)
		}
	}
	if c.Actuator.Timeout <= 0 {
		add("actuator.timeout must be positive, got %s", c.Actuator.Timeout)
	}
	switch strings.ToUpper(c.Actuator.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		add("actuator.method must be GET, POST or PUT, got %q", c.Actuator.Method)
	}
	pins := make(map[int]int)
	for zone, pin := range c.Actuator.GPIO.Pins {
		if pin < 0 {
			add("actuator.gpio.pins: zone %d has negative pin %d", zone, pin)
		}
		if other, dup := pins[pin]; dup {
			add("actuator.gpio.pins: pin %d used by zones %d and %d", pin, min(zone, other), max(zone, other))
		}
		pins[pin] = zone
	}

	if c.Ingest.ForwardURL != "" {
		if u, err := url.Parse(c.Ingest.ForwardURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("ingest.forward_url must be an absolute http(s) URL, got %q", c.Ingest.ForwardURL)
		}
		if c.Ingest.ForwardTimeout <= 0 {
			add("ingest.forward_timeout must be positive, got %s", c.Ingest.ForwardTimeout)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// actuatorTemplates returns the default template under key 0 plus every
// per-zone override.
func (c *Config) actuatorTemplates() map[int]string {
	out := map[int]string{0: c.Actuator.URL}
	for z, u := range c.Actuator.Zones {
		out[z] = u
	}
	return out
}

// Location returns the configured schedule timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Control.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GPIOZones returns the zones wired to local relays, ascending.
func (c *Config) GPIOZones() []int {
	zones := make([]int, 0, len(c.Actuator.GPIO.Pins))
	for z := range c.Actuator.GPIO.Pins {
		zones = append(zones, z)
	}
	sort.Ints(zones)
	return zones
}

// NewLogger builds a logrus logger from c.Log. verbose forces debug level.
func (c *Config) NewLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
