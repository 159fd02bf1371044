package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgazza/meter-datafeeds/internal/config"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/output"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

type stubScraper struct {
	creds datafeed.Credentials
	dates daterange.DateRange
}

func (s *stubScraper) Start(context.Context) error { return nil }
func (s *stubScraper) Stop(context.Context) error  { return nil }

func (s *stubScraper) Scrape(ctx context.Context, h datafeed.Handlers) (datafeed.Status, error) {
	tl, err := timeline.New(s.dates, 30*time.Minute)
	if err != nil {
		return datafeed.StatusFailed, err
	}
	tl.Insert(s.dates.Start.Add(time.Hour), 1.5)
	if err := h.EmitReadings(ctx, tl.Serialize()); err != nil {
		return datafeed.StatusFailed, err
	}
	return datafeed.StatusSucceeded, nil
}

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	cfg.Output.Dir = t.TempDir()
	return cfg
}

func TestNewRegistry(t *testing.T) {
	require.Equal(t, []string{"geotogether", "givenergy", "octopus"}, NewRegistry().Names())
}

func TestRunFeed(t *testing.T) {
	cfg := testConfig(t, `
feeds:
  - name: stub-feed
    datasource: stub
    start: 2024-03-01
    end: 2024-03-02
    parent:
      id: 9
      username: parent-user
      password: parent-pass
`)
	app, err := NewApp(cfg, logger.NewNop())
	require.NoError(t, err)
	defer app.Close()

	var got *stubScraper
	app.Env.Registry.MustRegister("stub", func(creds datafeed.Credentials, dr daterange.DateRange, _ datafeed.Configuration, _ *datafeed.Env) (datafeed.Scraper, error) {
		got = &stubScraper{creds: creds, dates: dr}
		return got, nil
	})

	status, err := app.RunFeed(context.Background(), "stub-feed", "", "", "task-1")
	require.NoError(t, err)
	require.Equal(t, datafeed.StatusSucceeded, status)

	require.NotNil(t, got)
	require.Equal(t, datafeed.Credentials{Username: "parent-user", Password: "parent-pass"}, got.creds, "static parent credentials")
	require.Equal(t, 2, got.dates.Days())

	for _, name := range []string{output.ReadingsJSON, output.ReadingsCSV} {
		_, err := os.Stat(filepath.Join(cfg.Output.Dir, "stub-feed", name))
		require.NoError(t, err, name)
	}

	_, err = app.RunFeed(context.Background(), "missing", "", "", "")
	require.ErrorIs(t, err, config.ErrFeedNotFound)
}

func TestRunFeedUnknownDatasource(t *testing.T) {
	cfg := testConfig(t, "feeds:\n  - name: f\n    datasource: nope\n")
	app, err := NewApp(cfg, logger.NewNop())
	require.NoError(t, err)

	status, err := app.RunFeed(context.Background(), "f", "", "", "")
	require.ErrorIs(t, err, datafeed.ErrUnknownDatasource)
	require.Equal(t, datafeed.StatusFailed, status)
}

func TestScheduleRequiresSchedules(t *testing.T) {
	cfg := testConfig(t, "feeds:\n  - name: f\n    datasource: octopus\n")
	app, err := NewApp(cfg, logger.NewNop())
	require.NoError(t, err)
	require.Error(t, app.Schedule(context.Background()))
}

func TestMetricsHandler(t *testing.T) {
	app, err := NewApp(testConfig(t, ""), logger.NewNop())
	require.NoError(t, err)
	app.Env.Metrics.ObserveRun("octopus", "SUCCEEDED", time.Second)

	srv := httptest.NewServer(app.metricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `datafeeds_runs_total{datasource="octopus",status="SUCCEEDED"} 1`)
}

func TestRunCommandRequiresFeed(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"run"})
	cmd.SetOut(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestFeedsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
feeds:
  - name: home-octopus
    datasource: octopus
    schedule: "@daily"
  - name: other
    datasource: nope
`), 0o600))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"feeds", "--config", path})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	require.Equal(t, "home-octopus\toctopus\t@daily\nother\tnope (unknown datasource)\t-\n", out.String())
}
