package octopus

import (
	"context"
	"errors"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/adapters/energy"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

// Name is the datasource name the scraper registers under.
const Name = "octopus"

// Options read from the scraper configuration.
const (
	OptionAccountID = "account_id"
	OptionMeter     = "meter" // import or export
)

const (
	interval = 30 * time.Minute
	chunk    = 14 * 24 * time.Hour
)

// Scraper collects consumption for one Octopus meter. The API key is the username.
type Scraper struct {
	apiKey    string
	accountID string
	export    bool
	dates     daterange.DateRange
	cfg       datafeed.Configuration
	env       *datafeed.Env
	log       logger.Logger
	loc       *time.Location

	service *Service
	meter   *Meter
}

// New is the datafeed.Constructor for Octopus.
func New(creds datafeed.Credentials, dr daterange.DateRange, cfg datafeed.Configuration, env *datafeed.Env) (datafeed.Scraper, error) {
	if creds.Username == "" {
		return nil, datafeed.ConfigurationError("octopus", errors.New("api key is required"))
	}
	accountID := cfg.Option(OptionAccountID)
	if accountID == "" {
		return nil, datafeed.ConfigurationError("octopus", errors.New("option account_id is required"))
	}
	var export bool
	switch cfg.Option(OptionMeter) {
	case "", "import":
	case "export":
		export = true
	default:
		return nil, datafeed.ConfigurationError("octopus", errors.New("option meter must be import or export"))
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, datafeed.ConfigurationError("octopus", err)
	}

	return &Scraper{
		apiKey:    creds.Username,
		accountID: accountID,
		export:    export,
		dates:     dr,
		cfg:       cfg,
		env:       env,
		log:       env.Log().With(logger.String("scraper", Name), logger.String("account", accountID)),
		loc:       loc,
	}, nil
}

// Start resolves the meter and its tariff.
func (s *Scraper) Start(ctx context.Context) error {
	s.service = NewService(s.env.HTTPTransport(), s.apiKey)
	importMeter, exportMeter, err := s.service.Meters(ctx, s.accountID)
	if err != nil {
		return err
	}
	s.meter = importMeter
	if s.export {
		s.meter = exportMeter
	}
	if s.meter == nil {
		return datafeed.DataIntegrityError("find meter", ErrNoMeter)
	}
	s.log.Info("Found meter",
		logger.String("mpan", s.meter.Mpan),
		logger.String("serial", s.meter.SerialNumber),
		logger.String("tariff", s.meter.TariffCode))
	return nil
}

// Scrape collects consumption over the date range and emits readings and bills.
func (s *Scraper) Scrape(ctx context.Context, h datafeed.Handlers) (datafeed.Status, error) {
	wantBills := s.cfg.ScrapeBills || s.cfg.ScrapePartialBills
	if !s.cfg.ScrapeReadings && !wantBills {
		s.log.Warn("Nothing to scrape")
		return datafeed.StatusSkipped, nil
	}
	if s.cfg.ScrapePDFs {
		s.log.Info("PDF statements are not available from the Octopus API")
	}

	dr := s.dates
	last, _, err := s.service.LastReading(ctx, s.meter)
	if err != nil {
		return datafeed.StatusFailed, err
	}
	if !last.IsZero() {
		lastDay := daterange.Date(last.In(s.loc))
		if lastDay.Before(dr.Start) {
			s.log.Warn("No readings in range", logger.Time("last_reading", last))
			return datafeed.StatusSkipped, nil
		}
		if lastDay.Before(dr.End) {
			s.log.Info("Narrowing range to last reading", logger.Time("last_reading", last))
			dr.End = lastDay
		}
	}

	var tariffs []Tariff
	if wantBills {
		if s.meter.ProductCode == "" {
			s.log.Warn("No product for tariff, bills will be unpriced", logger.String("tariff", s.meter.TariffCode))
		} else {
			tariffs, err = s.service.Tariffs(ctx, s.meter.ProductCode, s.meter.TariffCode,
				s.localMidnight(dr.Start), s.localMidnight(dr.End).AddDate(0, 0, 1))
			if err != nil {
				return datafeed.StatusFailed, err
			}
		}
	}

	series := energy.NewSeries(s.loc)
	add := func(start time.Time, kwh float64) error {
		sample := energy.Sample{Start: start, Interval: interval, KWh: kwh}
		if rate := RateAt(start, tariffs); rate != nil {
			cost := kwh * *rate / 100
			sample.Cost = &cost
		}
		return series.Add(sample)
	}
	for part := range dr.SplitIter(chunk) {
		from := s.localMidnight(part.Start)
		to := s.localMidnight(part.End).AddDate(0, 0, 1)
		n, err := s.service.Consumption(ctx, s.meter, from, to, add)
		if err != nil {
			return datafeed.StatusFailed, err
		}
		s.log.Debug("Fetched consumption", logger.String("range", part.String()), logger.Int("intervals", n))
	}
	s.log.Info("Collected consumption", logger.Int("intervals", series.Len()))

	if s.cfg.ScrapeReadings {
		tl, err := timeline.New(dr, s.cfg.ReadingsResolution())
		if err != nil {
			return datafeed.StatusFailed, datafeed.ConfigurationError("octopus", err)
		}
		series.Fill(tl)
		if err := h.EmitReadings(ctx, tl.Serialize()); err != nil {
			return datafeed.StatusFailed, err
		}
	}

	if wantBills {
		full, partial := series.MonthlyBills(dr, s.meter.TariffCode)
		if s.cfg.ScrapeBills {
			if err := h.EmitBills(ctx, full); err != nil {
				return datafeed.StatusFailed, err
			}
		}
		if s.cfg.ScrapePartialBills {
			if err := h.EmitPartialBills(ctx, partial); err != nil {
				return datafeed.StatusFailed, err
			}
		}
	}

	return datafeed.StatusSucceeded, nil
}

// Stop releases nothing; the client holds no session.
func (s *Scraper) Stop(context.Context) error {
	return nil
}

func (s *Scraper) localMidnight(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.loc)
}
