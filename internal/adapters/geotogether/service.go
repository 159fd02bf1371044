// Package geotogether collects smart meter readings recorded by a geo in-home display.
package geotogether

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	httptransport "github.com/go-openapi/runtime/client"
	"github.com/go-openapi/strfmt"
	geo "github.com/mgazza/go-geotogether/client"
	geoops "github.com/mgazza/go-geotogether/client/operations"

	"github.com/mgazza/meter-datafeeds/internal/adapters/openapi"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
)

// ErrNoSystem is returned when no system on the account has devices.
var ErrNoSystem = errors.New("no systems with devices")

// Reading is the energy of one type recorded in a reading group.
type Reading struct {
	Start          time.Time
	WattHours      int64
	MilliPenceCost int64
}

// Service wraps the generated geo client.
type Service struct {
	Client    *geo.GeoTogetherAPI
	transport *httptransport.Runtime
}

// NewService creates an unauthenticated Service.
func NewService(rt http.RoundTripper) *Service {
	cfg := geo.DefaultTransportConfig()
	transport := openapi.NewRuntime(cfg.Host, cfg.BasePath, cfg.Schemes, rt)
	return &Service{
		Client:    geo.New(transport, strfmt.Default),
		transport: transport,
	}
}

// Login exchanges the username and password for a bearer token used by later calls.
func (s *Service) Login(ctx context.Context, username, password string) error {
	p := geoops.NewPostUsersserviceV2LoginParams().
		WithContext(ctx).
		WithBody(geoops.PostUsersserviceV2LoginBody{
			Identity: username,
			Password: password,
		})
	r, err := s.Client.Operations.PostUsersserviceV2Login(p, nil)
	if err != nil {
		if openapi.StatusCode(err) == http.StatusBadRequest {
			return datafeed.LoginError("login", err)
		}
		return openapi.Classify("login", err)
	}
	if !r.IsSuccess() {
		return datafeed.LoginError("login", fmt.Errorf("%v", r.Error()))
	}
	if r.Payload.AccessToken == "" {
		return datafeed.LoginError("login", errors.New("no access token in response"))
	}

	s.transport.DefaultAuthentication = httptransport.BearerToken(r.Payload.AccessToken)
	return nil
}

// SystemID returns the first system that has devices paired.
func (s *Service) SystemID(ctx context.Context) (string, error) {
	r, err := s.Client.Operations.GetAPIUserapiV2UserDetailSystems(
		geoops.NewGetAPIUserapiV2UserDetailSystemsParams().
			WithContext(ctx).
			WithSystemDetails(true), nil)
	if err != nil {
		return "", openapi.Classify("get systems", err)
	}
	if !r.IsSuccess() {
		return "", datafeed.APIError("get systems", fmt.Errorf("%v", r.Error()))
	}

	for _, m := range r.Payload.SystemDetails {
		if len(m.Devices) > 0 {
			return m.SystemID, nil
		}
	}
	return "", ErrNoSystem
}

// Readings returns the readings of energyType between start and end. A nil end
// asks for everything up to now.
func (s *Service) Readings(ctx context.Context, systemID, energyType string, start time.Time, end *time.Time) ([]Reading, error) {
	p := geoops.NewGetEpochserviceV1SystemSystemIDReadingsParams().
		WithContext(ctx).
		WithSystemID(systemID).
		WithStartDate(strfmt.Date(start))
	if end != nil {
		p = p.WithEndDate(strfmt.Date(*end))
	}

	r, err := s.Client.Operations.GetEpochserviceV1SystemSystemIDReadings(p, nil)
	if err != nil {
		return nil, openapi.Classify("get readings", err)
	}
	if !r.IsSuccess() {
		return nil, datafeed.APIError("get readings", fmt.Errorf("%v", r.Error()))
	}

	var out []Reading
	for _, group := range r.Payload {
		if group == nil {
			continue
		}
		reading := Reading{Start: time.Unix(int64(group.StartTimestamp), 0).UTC()}
		found := false
		for _, rd := range group.Readings {
			if rd.EnergyType != energyType {
				continue
			}
			found = true
			reading.WattHours += rd.EnergyWattHours
			reading.MilliPenceCost += rd.MilliPenceCost
		}
		if found {
			out = append(out, reading)
		}
	}
	return out, nil
}
