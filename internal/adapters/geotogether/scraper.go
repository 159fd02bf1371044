package geotogether

import (
	"context"
	"errors"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/adapters/energy"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/statemachine"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

// Name is the datasource name the scraper registers under.
const Name = "geotogether"

// OptionEnergyType selects the reading type, IMPORT or GAS_ENERGY.
const OptionEnergyType = "energy_type"

// Machine states.
const (
	StateInit          = "init"
	StateLogin         = "login"
	StateFindSystem    = "find_system"
	StateFetchReadings = "fetch_readings"
	StateNoSystem      = "no_system"
	StateDone          = "done"
)

const (
	interval = 15 * time.Minute
	chunk    = 7 * 24 * time.Hour
)

// Scraper logs in, finds the paired system and reads its history.
type Scraper struct {
	creds      datafeed.Credentials
	energyType string
	dates      daterange.DateRange
	cfg        datafeed.Configuration
	env        *datafeed.Env
	log        logger.Logger
	loc        *time.Location
	now        func() time.Time

	service  *Service
	systemID string
	series   *energy.Series
}

// New is the datafeed.Constructor for geo.
func New(creds datafeed.Credentials, dr daterange.DateRange, cfg datafeed.Configuration, env *datafeed.Env) (datafeed.Scraper, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, datafeed.ConfigurationError("geotogether", errors.New("username and password are required"))
	}
	energyType := cfg.Option(OptionEnergyType)
	switch energyType {
	case "":
		energyType = "IMPORT"
	case "IMPORT", "GAS_ENERGY":
	default:
		return nil, datafeed.ConfigurationError("geotogether", errors.New("option energy_type must be IMPORT or GAS_ENERGY"))
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, datafeed.ConfigurationError("geotogether", err)
	}
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &Scraper{
		creds:      creds,
		energyType: energyType,
		dates:      dr,
		cfg:        cfg,
		env:        env,
		log:        env.Log().With(logger.String("scraper", Name)),
		loc:        loc,
		now:        now,
		series:     energy.NewSeries(loc),
	}, nil
}

func (s *Scraper) Start(context.Context) error {
	s.service = NewService(s.env.HTTPTransport())
	return nil
}

func (s *Scraper) Stop(context.Context) error {
	return nil
}

func (s *Scraper) machine() *statemachine.Machine {
	m := statemachine.New(statemachine.WithLogger(s.log))
	m.AddState(StateInit, nil, nil, []string{StateLogin})
	m.AddState(StateLogin, s.service, s.login, []string{StateFindSystem})
	m.AddState(StateFindSystem, s.service, s.findSystem, []string{StateFetchReadings, StateNoSystem})
	m.AddState(StateFetchReadings, s.service, s.fetchReadings, []string{StateDone}, statemachine.WithWaitTime(5*time.Minute))
	m.AddState(StateNoSystem, nil, nil, nil)
	m.AddState(StateDone, nil, nil, nil)
	m.OnEnterState(func(state string) {
		s.log.Info("Entered state", logger.String("state", state))
	})
	return m
}

// Scrape runs the state machine and emits what fetch_readings collected.
func (s *Scraper) Scrape(ctx context.Context, h datafeed.Handlers) (datafeed.Status, error) {
	wantBills := s.cfg.ScrapeBills || s.cfg.ScrapePartialBills
	if !s.cfg.ScrapeReadings && !wantBills {
		s.log.Warn("Nothing to scrape")
		return datafeed.StatusSkipped, nil
	}

	final, err := s.machine().Run(ctx)
	if err != nil {
		return datafeed.StatusFailed, err
	}
	if final == StateNoSystem {
		s.log.Warn("No system with devices on the account")
		return datafeed.StatusFailed, nil
	}

	if s.cfg.ScrapeReadings {
		tl, err := timeline.New(s.dates, s.cfg.ReadingsResolution())
		if err != nil {
			return datafeed.StatusFailed, datafeed.ConfigurationError("geotogether", err)
		}
		s.series.Fill(tl)
		if err := h.EmitReadings(ctx, tl.Serialize()); err != nil {
			return datafeed.StatusFailed, err
		}
	}
	if wantBills {
		full, partial := s.series.MonthlyBills(s.dates, "")
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
	if s.cfg.ScrapePDFs {
		s.log.Info("PDF statements are not available from geo")
	}
	return datafeed.StatusSucceeded, nil
}

func (s *Scraper) login(ctx context.Context, page any) (string, error) {
	if err := page.(*Service).Login(ctx, s.creds.Username, s.creds.Password); err != nil {
		return "", err
	}
	return StateFindSystem, nil
}

func (s *Scraper) findSystem(ctx context.Context, page any) (string, error) {
	id, err := page.(*Service).SystemID(ctx)
	if errors.Is(err, ErrNoSystem) {
		return StateNoSystem, nil
	}
	if err != nil {
		return "", err
	}
	s.systemID = id
	s.log.Info("Found system", logger.String("system", id))
	return StateFetchReadings, nil
}

func (s *Scraper) fetchReadings(ctx context.Context, page any) (string, error) {
	service := page.(*Service)
	now := s.now()
	for part := range s.dates.SplitIter(chunk) {
		var end *time.Time
		if e := part.End.AddDate(0, 0, 1); !e.After(now) {
			end = &e
		}
		readings, err := service.Readings(ctx, s.systemID, s.energyType, part.Start, end)
		if err != nil {
			return "", err
		}
		for _, r := range readings {
			cost := float64(r.MilliPenceCost) / 100000
			if err := s.series.Add(energy.Sample{
				Start:    r.Start,
				Interval: interval,
				KWh:      float64(r.WattHours) / 1000,
				Cost:     &cost,
			}); err != nil {
				return "", datafeed.DataIntegrityError("geotogether", err)
			}
		}
		s.log.Debug("Fetched readings", logger.String("range", part.String()), logger.Int("readings", len(readings)))
	}
	s.log.Info("Collected readings", logger.Int("intervals", s.series.Len()))
	return StateDone, nil
}
