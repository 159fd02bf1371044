package datafeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/bills"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
	"github.com/mgazza/meter-datafeeds/internal/transforms"
)

// ErrParentDisabled is wrapped by the configuration error returned for a disabled parent credential.
var ErrParentDisabled = errors.New("parent credential is disabled")

// ErrUnknownDatasource is wrapped by the configuration error returned for an unregistered datasource.
var ErrUnknownDatasource = errors.New("datasource is not registered")

// Params are the optional date overrides of a job, as ISO dates.
type Params struct {
	DataStart string
	DataEnd   string
}

// Job is one request to collect data for an account's meters.
type Job struct {
	// Datasource is the registry name of the scraper.
	Datasource    string
	AccountID     string
	MeterIDs      []string
	DatasourceID  string
	Params        Params
	Credentials   Credentials
	Configuration Configuration
	TaskID        string
	Transforms    []transforms.ID
	OutlierFactor float64

	DisableLoginOnError bool
	NotifyOnLoginError  bool

	Sink Sink
}

// ResolveDateRange applies the defaults: start two years before today, end yesterday.
// An end on or before start is moved to the day after start.
func ResolveDateRange(p Params, now time.Time) (daterange.DateRange, error) {
	today := daterange.Date(now)
	start := today.AddDate(-2, 0, 0)
	end := today.AddDate(0, 0, -1)

	if p.DataStart != "" {
		t, err := daterange.Parse(p.DataStart)
		if err != nil {
			return daterange.DateRange{}, ConfigurationError("resolve date range", err)
		}
		start = t
	}
	if p.DataEnd != "" {
		t, err := daterange.Parse(p.DataEnd)
		if err != nil {
			return daterange.DateRange{}, ConfigurationError("resolve date range", err)
		}
		end = t
	}
	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	return daterange.New(start, end), nil
}

// Run executes job and returns its outcome, SUCCEEDED or FAILED.
// The returned error is non-nil only for a configuration error found before the
// scraper is constructed; every later failure is absorbed into StatusFailed.
func Run(ctx context.Context, env *Env, job Job) (Status, error) {
	began := env.now()
	log := env.Log().With(
		logger.String("task", job.TaskID),
		logger.String("datasource", job.Datasource),
		logger.String("account", job.AccountID),
		logger.Strings("meters", job.MeterIDs),
	)

	dr, err := ResolveDateRange(job.Params, began)
	if err != nil {
		return env.reject(ctx, log, job, began, err)
	}
	if env.Registry == nil {
		return env.reject(ctx, log, job, began, ConfigurationError("lookup scraper", errors.New("no registry")))
	}
	ctor, ok := env.Registry.Lookup(job.Datasource)
	if !ok {
		return env.reject(ctx, log, job, began,
			ConfigurationError("lookup scraper", fmt.Errorf("%w: %q", ErrUnknownDatasource, job.Datasource)))
	}
	creds, parent, err := env.resolveCredentials(ctx, job)
	if err != nil {
		return env.reject(ctx, log, job, began, err)
	}

	log = log.With(logger.String("range", dr.String()))
	if env.Tracker != nil && job.TaskID != "" {
		rec := JobRecord{
			TaskID:     job.TaskID,
			Datasource: job.Datasource,
			AccountID:  job.AccountID,
			MeterIDs:   job.MeterIDs,
			Range:      dr,
			StartedAt:  began,
		}
		if err := env.Tracker.Start(ctx, rec); err != nil {
			log.Warn("Failed to record job start", logger.Error(err))
		}
	}

	log.Info("Starting datafeed run")
	status, runErr := env.scrape(ctx, log, ctor, creds, dr, job)
	outcome := status.Outcome()
	if runErr != nil {
		outcome = StatusFailed
		env.classify(ctx, log, job, parent, runErr)
	} else if outcome == StatusFailed {
		log.Warn("Scraper reported an unsuccessful status", logger.String("status", status.String()))
	}

	env.finish(ctx, log, job, outcome, runErr)
	elapsed := env.now().Sub(began)
	env.Metrics.ObserveRun(job.Datasource, outcome.String(), elapsed)
	log.Info("Finished datafeed run",
		logger.String("status", outcome.String()),
		logger.Duration("elapsed", elapsed),
	)
	return outcome, nil
}

func (e *Env) reject(ctx context.Context, log logger.Logger, job Job, began time.Time, err error) (Status, error) {
	log.Error("Datafeed run rejected", logger.String("kind", KindOf(err).String()), logger.Error(err))
	e.finish(ctx, log, job, StatusFailed, err)
	e.Metrics.ObserveRun(job.Datasource, StatusFailed.String(), e.now().Sub(began))
	return StatusFailed, err
}

func (e *Env) resolveCredentials(ctx context.Context, job Job) (Credentials, *Parent, error) {
	if e.Credentials == nil || job.DatasourceID == "" {
		return job.Credentials, nil, nil
	}
	parent, err := e.Credentials.Parent(ctx, job.DatasourceID)
	switch {
	case errors.Is(err, ErrNoParent), err == nil && parent == nil:
		return job.Credentials, nil, nil
	case err != nil:
		return Credentials{}, nil, ConfigurationError("resolve credentials", err)
	case !parent.Enabled:
		return Credentials{}, nil, ConfigurationError("resolve credentials",
			fmt.Errorf("%w: %s (%d)", ErrParentDisabled, parent.Name, parent.ID))
	}
	return Credentials{Username: parent.Username, Password: parent.Password}, parent, nil
}

func (e *Env) scrape(ctx context.Context, log logger.Logger, ctor Constructor, creds Credentials,
	dr daterange.DateRange, job Job) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = StatusFailed, fmt.Errorf("scraper panic: %v", r)
		}
	}()

	s, err := ctor(creds, dr, NewConfiguration(job.Configuration), e)
	if err != nil {
		return StatusFailed, fmt.Errorf("construct %s scraper: %w", job.Datasource, err)
	}
	defer func() {
		if stopErr := s.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			log.Warn("Failed to stop scraper", logger.Error(stopErr))
		}
	}()

	if err := s.Start(ctx); err != nil {
		return StatusFailed, fmt.Errorf("start %s scraper: %w", job.Datasource, err)
	}
	status, err = s.Scrape(ctx, e.handlers(log, job))
	if err != nil {
		return StatusFailed, fmt.Errorf("scrape %s: %w", job.Datasource, err)
	}
	if !status.Valid() {
		log.Warn("Scraper returned an unknown status", logger.String("status", string(status)))
	}
	return status, nil
}

func (e *Env) classify(ctx context.Context, log logger.Logger, job Job, parent *Parent, runErr error) {
	kind := KindOf(runErr)
	fields := []logger.Field{logger.String("kind", kind.String()), logger.Error(runErr)}
	switch kind {
	case KindLogin:
		log.Error("Login to datasource failed", fields...)
		e.Metrics.LoginFailure(job.Datasource)
		e.onLoginFailure(context.WithoutCancel(ctx), log, job, parent)
	case KindAPI, KindDataIntegrity:
		log.Error("Datasource returned unusable data", fields...)
	case KindTimeout:
		log.Error("Datasource timed out", fields...)
	case KindConfiguration, KindUnknown:
		log.Error("Datafeed run failed", fields...)
	}
}

func (e *Env) onLoginFailure(ctx context.Context, log logger.Logger, job Job, parent *Parent) {
	if !job.DisableLoginOnError || parent == nil || e.Credentials == nil {
		return
	}
	disabled := "has been disabled"
	if err := e.Credentials.Disable(ctx, parent.ID); err != nil {
		log.Error("Failed to disable parent credential", logger.Int("parent_id", int(parent.ID)), logger.Error(err))
		disabled = "could not be disabled"
	} else {
		parent.Enabled = false
		log.Warn("Disabled parent credential after login failure", logger.Int("parent_id", int(parent.ID)))
	}

	if !job.NotifyOnLoginError || e.Alerter == nil {
		return
	}
	text := fmt.Sprintf("Login failed for %s on account %s (meters: %s). Credential %q %s.",
		job.Datasource, job.AccountID, strings.Join(job.MeterIDs, ", "), parent.Name, disabled)
	if err := e.Alerter.Send(ctx, Alert{Channel: e.AlertChannel, Text: text}); err != nil {
		log.Error("Failed to send login alert", logger.Error(err))
	}
}

func (e *Env) finish(ctx context.Context, log logger.Logger, job Job, status Status, runErr error) {
	if e.Tracker == nil || job.TaskID == "" {
		return
	}
	if err := e.Tracker.Finish(context.WithoutCancel(ctx), job.TaskID, status, runErr); err != nil {
		log.Warn("Failed to record job status", logger.Error(err))
	}
}

// handlers wires the scraper callbacks to the job's sink, applying transforms
// to readings and de-overlapping bills on the way.
func (e *Env) handlers(log logger.Logger, job Job) Handlers {
	sink := job.Sink
	if sink == nil {
		return Handlers{}
	}
	return Handlers{
		Readings: func(ctx context.Context, r timeline.Readings) error {
			res := transforms.Apply(r, transforms.Context{
				Resolution:    job.Configuration.ReadingsResolution(),
				OutlierFactor: job.OutlierFactor,
			}, job.Transforms)
			for id, err := range res.Failed {
				log.Warn("Readings transform failed", logger.String("transform", string(id)), logger.Error(err))
				e.Metrics.TransformError(string(id))
			}
			for _, issue := range res.Issues {
				log.Debug("Readings transform issue",
					logger.String("transform", string(issue.Transform)),
					logger.String("date", issue.Date),
					logger.Int("slot", issue.Slot),
					logger.String("message", issue.Message),
				)
			}
			return sink.Readings(ctx, res.Readings)
		},
		Bills: func(ctx context.Context, b []bills.BillingDatum) error {
			return sink.Bills(ctx, bills.AdjustBillDates(b))
		},
		PDFs: func(ctx context.Context, p []bills.PDF) error {
			return sink.PDFs(ctx, p)
		},
		PartialBills: func(ctx context.Context, b []bills.BillingDatum) error {
			return sink.PartialBills(ctx, bills.AdjustBillDates(b))
		},
	}
}

// EmitReadings calls the readings handler when one is set.
func (h Handlers) EmitReadings(ctx context.Context, r timeline.Readings) error {
	if h.Readings == nil {
		return nil
	}
	return h.Readings(ctx, r)
}

// EmitBills calls the bills handler when one is set.
func (h Handlers) EmitBills(ctx context.Context, b []bills.BillingDatum) error {
	if h.Bills == nil {
		return nil
	}
	return h.Bills(ctx, b)
}

// EmitPDFs calls the PDFs handler when one is set.
func (h Handlers) EmitPDFs(ctx context.Context, p []bills.PDF) error {
	if h.PDFs == nil {
		return nil
	}
	return h.PDFs(ctx, p)
}

// EmitPartialBills calls the partial bills handler when one is set.
func (h Handlers) EmitPartialBills(ctx context.Context, b []bills.BillingDatum) error {
	if h.PartialBills == nil {
		return nil
	}
	return h.PartialBills(ctx, b)
}
