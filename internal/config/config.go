// Package config loads the datafeeds configuration.
//
// Configuration comes from a YAML file. Before it is read, .env files are
// loaded into the environment in this order:
//
//  1. the file named by ENV_FILE, if set (and nothing else)
//  2. .env.local
//  3. .env
//
// Fields tagged `env:"VAR"` are then overridden by non-empty environment
// variables, defaults are applied and the result is validated.
//
// Example:
//
//	log:
//	  level: info
//	redis:
//	  address: localhost:6379
//	feeds:
//	  - name: home-octopus
//	    datasource: octopus
//	    account_id: A-1234ABCD
//	    meters: ["1900012345678"]
//	    schedule: "0 6 * * *"
//	    credentials:
//	      username: ${OCTOPUS_API_KEY}
//	    configuration:
//	      bills: true
//	      options:
//	        account_id: A-1234ABCD
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/transforms"
)

const (
	defaultLogLevel      = "info"
	defaultOutputDir     = "out"
	defaultCacheDir      = ".cache"
	defaultMetricsAddr   = ":9090"
	defaultAlertTimeout  = 10 * time.Second
	defaultJobTTL        = 7 * 24 * time.Hour
	defaultResolutionMin = 15
)

// Config is the root configuration.
type Config struct {
	Log       logger.Config   `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Output    OutputConfig    `yaml:"output"`
	HTTPCache HTTPCacheConfig `yaml:"http_cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Feeds     []FeedConfig    `yaml:"feeds" validate:"dive"`
}

// DatabaseConfig points at the Postgres credential store. An empty DSN
// means parent credentials come from the feed configuration instead.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS" validate:"gte=0"`
}

// RedisConfig points at the job tracker. An empty address disables tracking.
type RedisConfig struct {
	Address  string        `yaml:"address" env:"REDIS_ADDRESS"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" validate:"gte=0"`
	JobTTL   time.Duration `yaml:"job_ttl" env:"REDIS_JOB_TTL"`
}

// AlertsConfig configures the webhook alerter. An empty URL disables alerts.
type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url" env:"ALERTS_WEBHOOK_URL" validate:"omitempty,url"`
	Channel    string        `yaml:"channel" env:"ALERTS_CHANNEL"`
	Timeout    time.Duration `yaml:"timeout" env:"ALERTS_TIMEOUT"`
}

// OutputConfig is where collected data is written.
type OutputConfig struct {
	Dir string `yaml:"dir" env:"OUTPUT_DIR" validate:"required"`
}

// HTTPCacheConfig controls the on-disk API response cache.
type HTTPCacheConfig struct {
	Enabled bool   `yaml:"enabled" env:"HTTP_CACHE_ENABLED"`
	Dir     string `yaml:"dir" env:"HTTP_CACHE_DIR"`
}

// MetricsConfig is the listen address of the metrics endpoint used by schedule.
type MetricsConfig struct {
	Address string `yaml:"address" env:"METRICS_ADDRESS"`
}

// CredentialsConfig holds a feed's own credentials. Values are expanded
// against the environment, so secrets can be written as ${VAR}.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ParentConfig is a statically configured parent credential.
type ParentConfig struct {
	ID       int64  `yaml:"id" validate:"required"`
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  *bool  `yaml:"enabled"`
}

// ScraperConfig is the scraper section of a feed.
type ScraperConfig struct {
	Readings          *bool             `yaml:"readings"`
	Bills             bool              `yaml:"bills"`
	PDFs              bool              `yaml:"pdfs"`
	PartialBills      bool              `yaml:"partial_bills"`
	ResolutionMinutes int               `yaml:"resolution_minutes" validate:"gte=0,lte=1440"`
	Timezone          string            `yaml:"timezone"`
	Options           map[string]string `yaml:"options"`
}

// FeedConfig is one collection job.
type FeedConfig struct {
	Name                string            `yaml:"name" validate:"required"`
	Datasource          string            `yaml:"datasource" validate:"required"`
	AccountID           string            `yaml:"account_id"`
	Meters              []string          `yaml:"meters"`
	DatasourceID        string            `yaml:"datasource_id"`
	Schedule            string            `yaml:"schedule"`
	Start               string            `yaml:"start" validate:"omitempty,datetime=2006-01-02"`
	End                 string            `yaml:"end" validate:"omitempty,datetime=2006-01-02"`
	Credentials         CredentialsConfig `yaml:"credentials"`
	Parent              *ParentConfig     `yaml:"parent"`
	Configuration       ScraperConfig     `yaml:"configuration"`
	Transforms          []string          `yaml:"transforms"`
	OutlierFactor       float64           `yaml:"outlier_factor" validate:"gte=0"`
	DisableLoginOnError bool              `yaml:"disable_login_on_error"`
	NotifyOnLoginError  *bool             `yaml:"notify_on_login_error"`
}

// ErrFeedNotFound is returned by Feed for an unknown name.
var ErrFeedNotFound = errors.New("feed not found")

// Load reads path and returns a validated configuration.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and defaults, and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.setDefaults()
	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Output.Dir == "" {
		c.Output.Dir = defaultOutputDir
	}
	if c.HTTPCache.Dir == "" {
		c.HTTPCache.Dir = defaultCacheDir
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = defaultMetricsAddr
	}
	if c.Alerts.Timeout == 0 {
		c.Alerts.Timeout = defaultAlertTimeout
	}
	if c.Redis.JobTTL == 0 {
		c.Redis.JobTTL = defaultJobTTL
	}
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Configuration.ResolutionMinutes == 0 {
			f.Configuration.ResolutionMinutes = defaultResolutionMin
		}
		if f.Configuration.Readings == nil {
			f.Configuration.Readings = boolPtr(true)
		}
		if f.NotifyOnLoginError == nil {
			f.NotifyOnLoginError = boolPtr(true)
		}
		if f.Parent != nil && f.Parent.Enabled == nil {
			f.Parent.Enabled = boolPtr(true)
		}
	}
}

func (c *Config) expandSecrets() {
	for i := range c.Feeds {
		f := &c.Feeds[i]
		f.Credentials.Username = os.ExpandEnv(f.Credentials.Username)
		f.Credentials.Password = os.ExpandEnv(f.Credentials.Password)
		if f.Parent != nil {
			f.Parent.Username = os.ExpandEnv(f.Parent.Username)
			f.Parent.Password = os.ExpandEnv(f.Parent.Password)
		}
	}
}

// Feed returns the feed called name.
func (c *Config) Feed(name string) (FeedConfig, error) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return f, nil
		}
	}
	return FeedConfig{}, fmt.Errorf("%w: %q", ErrFeedNotFound, name)
}

// ScraperConfiguration converts the feed's scraper section.
func (f FeedConfig) ScraperConfiguration() datafeed.Configuration {
	sc := f.Configuration
	return datafeed.NewConfiguration(datafeed.Configuration{
		ScrapeReadings:     sc.Readings == nil || *sc.Readings,
		ScrapeBills:        sc.Bills,
		ScrapePDFs:         sc.PDFs,
		ScrapePartialBills: sc.PartialBills,
		Resolution:         time.Duration(sc.ResolutionMinutes) * time.Minute,
		Timezone:           sc.Timezone,
		Options:            sc.Options,
	})
}

// TransformIDs returns the feed's transforms. Names were checked by Validate.
func (f FeedConfig) TransformIDs() []transforms.ID {
	ids := make([]transforms.ID, 0, len(f.Transforms))
	for _, name := range f.Transforms {
		ids = append(ids, transforms.ID(name))
	}
	return ids
}

// Notify reports whether a login failure should raise an alert.
func (f FeedConfig) Notify() bool {
	return f.NotifyOnLoginError == nil || *f.NotifyOnLoginError
}

// Job builds the harness job for this feed. start and end override the
// configured date range when non-empty.
func (f FeedConfig) Job(taskID, start, end string, sink datafeed.Sink) datafeed.Job {
	params := datafeed.Params{DataStart: f.Start, DataEnd: f.End}
	if start != "" {
		params.DataStart = start
	}
	if end != "" {
		params.DataEnd = end
	}
	return datafeed.Job{
		Datasource:          f.Datasource,
		AccountID:           f.AccountID,
		MeterIDs:            f.Meters,
		DatasourceID:        f.datasourceID(),
		Params:              params,
		Credentials:         datafeed.Credentials{Username: f.Credentials.Username, Password: f.Credentials.Password},
		Configuration:       f.ScraperConfiguration(),
		TaskID:              taskID,
		Transforms:          f.TransformIDs(),
		OutlierFactor:       f.OutlierFactor,
		DisableLoginOnError: f.DisableLoginOnError,
		NotifyOnLoginError:  f.Notify(),
		Sink:                sink,
	}
}

// StaticParents returns the configured parent credentials keyed by datasource id.
func (c *Config) StaticParents() map[string]datafeed.Parent {
	parents := map[string]datafeed.Parent{}
	for _, f := range c.Feeds {
		if f.Parent == nil {
			continue
		}
		parents[f.datasourceID()] = datafeed.Parent{
			ID:       f.Parent.ID,
			Name:     f.Parent.Name,
			Username: f.Parent.Username,
			Password: f.Parent.Password,
			Enabled:  f.Parent.Enabled == nil || *f.Parent.Enabled,
		}
	}
	return parents
}

// datasourceID defaults to the feed name so statically configured parents can be found.
func (f FeedConfig) datasourceID() string {
	if f.DatasourceID != "" {
		return f.DatasourceID
	}
	return f.Name
}

func boolPtr(b bool) *bool { return &b }
