// Package datafeed runs one data-collection job against a registered scraper.
//
// A run resolves its date range and credentials, drives the scraper through
// Start, Scrape and Stop, and converts every outcome into a Status. Side effects
// (parent credential disable, alerting, job tracking, metrics) happen through
// the collaborators carried by Env.
package datafeed

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/bills"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/metrics"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

// Credentials are the username and password used to reach a source.
// Sources without credentials leave both empty.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool { return c.Username == "" && c.Password == "" }

// Configuration is the per-run scraper configuration.
type Configuration struct {
	ScrapeReadings     bool
	ScrapeBills        bool
	ScrapePDFs         bool
	ScrapePartialBills bool
	// Resolution of the readings grid. Zero means timeline.DefaultResolution.
	Resolution time.Duration
	// Timezone is an IANA name. Empty means UTC.
	Timezone string
	Options  map[string]string
}

// NewConfiguration copies options so the result does not share state with the caller.
func NewConfiguration(c Configuration) Configuration {
	c.Options = maps.Clone(c.Options)
	return c
}

// Option returns an adapter-specific option.
func (c Configuration) Option(key string) string {
	return c.Options[key]
}

// ReadingsResolution returns the configured resolution or the default.
func (c Configuration) ReadingsResolution() time.Duration {
	if c.Resolution <= 0 {
		return timeline.DefaultResolution
	}
	return c.Resolution
}

// Location loads the configured timezone.
func (c Configuration) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Parent is an account-level datasource whose credentials are shared by its meters.
type Parent struct {
	ID       int64
	Name     string
	Username string
	Password string
	Enabled  bool
}

// ErrNoParent is returned by a CredentialStore when a datasource has no parent.
var ErrNoParent = errors.New("datasource has no parent credential")

// CredentialStore resolves and disables parent credentials.
type CredentialStore interface {
	Parent(ctx context.Context, datasourceID string) (*Parent, error)
	Disable(ctx context.Context, parentID int64) error
}

// JobRecord describes a started job for the tracker.
type JobRecord struct {
	TaskID     string
	Datasource string
	AccountID  string
	MeterIDs   []string
	Range      daterange.DateRange
	StartedAt  time.Time
}

// Tracker records job progress in an external system.
type Tracker interface {
	Start(ctx context.Context, job JobRecord) error
	Finish(ctx context.Context, taskID string, status Status, runErr error) error
}

// Alert is a human-readable notification.
type Alert struct {
	Channel string
	Text    string
}

// Alerter delivers alerts.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// Handlers receive collected data from a scraper. A nil handler discards its data.
type Handlers struct {
	Readings     func(ctx context.Context, r timeline.Readings) error
	Bills        func(ctx context.Context, b []bills.BillingDatum) error
	PDFs         func(ctx context.Context, p []bills.PDF) error
	PartialBills func(ctx context.Context, b []bills.BillingDatum) error
}

// Sink is where a run's output ends up.
type Sink interface {
	Readings(ctx context.Context, r timeline.Readings) error
	Bills(ctx context.Context, b []bills.BillingDatum) error
	PDFs(ctx context.Context, p []bills.PDF) error
	PartialBills(ctx context.Context, b []bills.BillingDatum) error
}

// Scraper collects data from one source.
type Scraper interface {
	// Start acquires whatever the scraper needs (sessions, connections).
	Start(ctx context.Context) error
	// Scrape collects data and hands it to h.
	Scrape(ctx context.Context, h Handlers) (Status, error)
	// Stop releases what Start acquired. It is called even when Start fails.
	Stop(ctx context.Context) error
}

// Constructor builds a Scraper for one run.
type Constructor func(creds Credentials, dr daterange.DateRange, cfg Configuration, env *Env) (Scraper, error)

// Registry maps datasource names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Register adds a constructor. Registering a name twice is an error.
func (r *Registry) Register(name string, c Constructor) error {
	if name == "" || c == nil {
		return errors.New("register: name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[name]; ok {
		return fmt.Errorf("register: datasource %q already registered", name)
	}
	r.constructors[name] = c
	return nil
}

// MustRegister is Register that panics on error, for use while wiring main.
func (r *Registry) MustRegister(name string, c Constructor) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// Lookup returns the constructor for name.
func (r *Registry) Lookup(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[name]
	return c, ok
}

// Names lists registered datasources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env carries the process-wide collaborators a run needs.
// Only Registry is required; every other field may be left nil.
type Env struct {
	Logger      logger.Logger
	Registry    *Registry
	Credentials CredentialStore
	Tracker     Tracker
	Alerter     Alerter
	Metrics     *metrics.Metrics
	// Transport is the HTTP transport adapters build their API clients on.
	Transport    http.RoundTripper
	AlertChannel string
	Now          func() time.Time
}

// Log returns the configured logger or a no-op one.
func (e *Env) Log() logger.Logger {
	if e == nil || e.Logger == nil {
		return logger.NewNop()
	}
	return e.Logger
}

// HTTPTransport returns the configured transport or http.DefaultTransport.
func (e *Env) HTTPTransport() http.RoundTripper {
	if e == nil || e.Transport == nil {
		return http.DefaultTransport
	}
	return e.Transport
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
