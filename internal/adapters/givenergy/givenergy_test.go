package givenergy

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgazza/meter-datafeeds/internal/adapters/adaptertest"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

func TestScrapeReadings(t *testing.T) {
	// Expected call to the GivEnergy API: GET /inverter/{serial}/data-points/{date}
	mockRoundTripper := &adaptertest.MockRoundTripper{
		Handler: func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "/v1/inverter/ABC12345/data-points/2025-01-01", req.URL.Path, "Unexpected request URL")
			require.Equal(t, "Bearer dummyBearerToken", req.Header.Get("Authorization"))

			return adaptertest.JSON(req, http.StatusOK, `{
				"data": [
					{"time": "2025-01-01T00:00:00Z", "total": {"grid": {"import": 1842.3, "export": 1629.9}}},
					{"time": "2025-01-01T00:10:00Z", "total": {"grid": {"import": 1842.9, "export": 1629.9}}},
					{"time": "2025-01-01T00:30:00Z", "total": {"grid": {"import": 1845.4, "export": 1630}}}
				],
				"meta": {"current_page": 1, "last_page": 1}
			}`), nil
		},
	}

	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := datafeed.Configuration{
		ScrapeReadings: true,
		Resolution:     30 * time.Minute,
		Options:        map[string]string{OptionInverterSerial: "ABC12345"},
	}
	env := &datafeed.Env{Logger: logger.NewNop(), Transport: mockRoundTripper}

	scraper, err := New(datafeed.Credentials{Password: "dummyBearerToken"}, daterange.New(day, day), cfg, env)
	require.NoError(t, err)
	require.NoError(t, scraper.Start(context.Background()))

	var readings timeline.Readings
	status, err := scraper.Scrape(context.Background(), datafeed.Handlers{
		Readings: func(_ context.Context, r timeline.Readings) error {
			readings = r
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, datafeed.StatusSucceeded, status)

	row := readings["2025-01-01"]
	require.Len(t, row, 48)
	require.Nil(t, row[0], "the first bucket is only a baseline")
	require.InDelta(t, 5.0, *row[1], 1e-9, "1842.9 to 1845.4 over half an hour")
	require.Nil(t, row[2])
}

func TestDataPointsPagesEachDay(t *testing.T) {
	var requests []string
	mockRoundTripper := &adaptertest.MockRoundTripper{
		Handler: func(req *http.Request) (*http.Response, error) {
			page := req.URL.Query().Get("page")
			requests = append(requests, req.URL.Path+"?page="+page)
			return adaptertest.JSON(req, http.StatusOK, fmt.Sprintf(`{
				"data": [{"time": "2025-01-01T00:00:00Z", "total": {"grid": {"import": 1, "export": 0}}}],
				"meta": {"current_page": %s, "last_page": 2}
			}`, page)), nil
		},
	}

	s := NewService(mockRoundTripper, "token")
	for _, day := range []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	} {
		n, err := s.DataPoints(context.Background(), "ABC12345", day, func(Point) {})
		require.NoError(t, err)
		require.Equal(t, 2, n)
	}

	require.Equal(t, []string{
		"/v1/inverter/ABC12345/data-points/2025-01-01?page=1",
		"/v1/inverter/ABC12345/data-points/2025-01-01?page=2",
		"/v1/inverter/ABC12345/data-points/2025-01-02?page=1",
		"/v1/inverter/ABC12345/data-points/2025-01-02?page=2",
	}, requests)
}

func TestDeltas(t *testing.T) {
	midnight := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(minutes int) time.Time { return midnight.Add(time.Duration(minutes) * time.Minute) }

	tests := []struct {
		name       string
		cumulative map[time.Time]float64
		want       map[time.Time]float64
	}{
		{
			name:       "single bucket is a baseline",
			cumulative: map[time.Time]float64{at(0): 10},
			want:       map[time.Time]float64{},
		},
		{
			name:       "consecutive buckets",
			cumulative: map[time.Time]float64{at(0): 10, at(30): 11, at(60): 13},
			want:       map[time.Time]float64{at(30): 1, at(60): 2},
		},
		{
			name:       "gap is shared evenly",
			cumulative: map[time.Time]float64{at(0): 10, at(90): 13},
			want:       map[time.Time]float64{at(30): 1, at(60): 1, at(90): 1},
		},
		{
			name:       "reset starts a new baseline",
			cumulative: map[time.Time]float64{at(0): 10, at(30): 5, at(60): 6},
			want:       map[time.Time]float64{at(60): 1},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := map[time.Time]float64{}
			for _, s := range Deltas(test.cumulative, logger.NewNop()) {
				require.Equal(t, bucket, s.Interval)
				got[s.Start] = s.KWh
			}
			require.Equal(t, test.want, got)
		})
	}
}

func TestNewRequiresSerialAndToken(t *testing.T) {
	env := &datafeed.Env{Logger: logger.NewNop()}
	dr := daterange.New(time.Now(), time.Now())

	_, err := New(datafeed.Credentials{}, dr, datafeed.Configuration{Options: map[string]string{OptionInverterSerial: "X"}}, env)
	require.Equal(t, datafeed.KindConfiguration, datafeed.KindOf(err))

	_, err = New(datafeed.Credentials{Password: "token"}, dr, datafeed.Configuration{}, env)
	require.Equal(t, datafeed.KindConfiguration, datafeed.KindOf(err))

	_, err = New(datafeed.Credentials{Password: "token"}, dr, datafeed.Configuration{Options: map[string]string{OptionInverterSerial: "X", OptionGrid: "both"}}, env)
	require.Equal(t, datafeed.KindConfiguration, datafeed.KindOf(err))
}
