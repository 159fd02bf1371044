// Package octopus collects half-hourly electricity consumption from the Octopus Energy API
// and prices it into monthly bills using the account's unit rates.
package octopus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	httptransport "github.com/go-openapi/runtime/client"
	"github.com/go-openapi/strfmt"
	octopus "github.com/mgazza/go-octopus-energy/client"
	"github.com/mgazza/go-octopus-energy/client/accounts"
	"github.com/mgazza/go-octopus-energy/client/electricity_meter_points"
	"github.com/mgazza/go-octopus-energy/client/products"

	"github.com/mgazza/meter-datafeeds/internal/adapters/openapi"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
)

const (
	consumptionPageSize = int64(336) // two weeks of 30 mins
	tariffPageSize      = int64(672)
)

// ErrNoMeter is returned when the account has no electricity meter of the requested kind.
var ErrNoMeter = errors.New("no matching electricity meter on account")

// Meter identifies an electricity meter and the tariff it is on.
type Meter struct {
	ProductCode  string
	TariffCode   string
	SerialNumber string
	Mpan         string
	Export       bool
}

// Tariff is a unit rate in pence per kWh including VAT. Nil bounds are open.
type Tariff struct {
	Rate      float64
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// RateAt returns the rate in force at t, or nil.
func RateAt(t time.Time, tariffs []Tariff) *float64 {
	for _, iv := range tariffs {
		startBefore := iv.ValidFrom == nil || !t.Before(*iv.ValidFrom)
		endAfter := iv.ValidTo == nil || t.Before(*iv.ValidTo)
		if startBefore && endAfter {
			rate := iv.Rate
			return &rate
		}
	}
	return nil
}

// Service wraps the generated Octopus client.
type Service struct {
	Client *octopus.OctopusEnergyRESTAPI
}

// NewService creates a Service authenticating with apiKey.
func NewService(rt http.RoundTripper, apiKey string) *Service {
	cfg := octopus.DefaultTransportConfig()
	transport := openapi.NewRuntime(cfg.Host, cfg.BasePath, cfg.Schemes, rt)
	transport.DefaultAuthentication = httptransport.BasicAuth(apiKey, "")

	return &Service{Client: octopus.New(transport, strfmt.Default)}
}

// Meters returns the import and export meters of the account's first property.
// Either may be nil.
func (s *Service) Meters(ctx context.Context, accountID string) (*Meter, *Meter, error) {
	params := accounts.NewGetAccountParams().WithContext(ctx).WithAccountID(accountID)
	response, err := s.Client.Accounts.GetAccount(params, nil)
	if err != nil {
		return nil, nil, openapi.Classify("get account", err)
	}
	if len(response.Payload.Properties) < 1 {
		return nil, nil, datafeed.DataIntegrityError("get account", errors.New("no properties found on the account"))
	}
	property := response.Payload.Properties[0]

	productResponse, err := s.Client.Products.ListProducts(products.NewListProductsParams().WithContext(ctx), nil)
	if err != nil {
		return nil, nil, openapi.Classify("list products", err)
	}
	findProductCode := func(tariffCode string) string {
		for _, p := range productResponse.Payload.Results {
			if p.Code != nil && strings.Contains(tariffCode, *p.Code) {
				return *p.Code
			}
		}
		return ""
	}

	var importMeter, exportMeter *Meter
	for _, meterPoint := range property.ElectricityMeterPoints {
		if len(meterPoint.Meters) < 1 || len(meterPoint.Agreements) < 1 {
			continue
		}
		tariffCode := meterPoint.Agreements[len(meterPoint.Agreements)-1].TariffCode
		m := &Meter{
			ProductCode:  findProductCode(tariffCode),
			TariffCode:   tariffCode,
			SerialNumber: meterPoint.Meters[0].SerialNumber,
			Mpan:         meterPoint.Mpan,
			Export:       meterPoint.IsExport,
		}
		if m.Export {
			exportMeter = m
		} else {
			importMeter = m
		}
	}
	return importMeter, exportMeter, nil
}

// LastReading returns the start of the most recent consumption interval, or the zero time.
func (s *Service) LastReading(ctx context.Context, meter *Meter) (time.Time, float64, error) {
	orderBy := "-period"
	pageSize := int64(1)
	params := electricity_meter_points.NewListConsumptionForAnElectricityMeterParams().
		WithContext(ctx).
		WithMpan(meter.Mpan).
		WithSerialNumber(meter.SerialNumber).
		WithPageSize(&pageSize).
		WithOrderBy(&orderBy)

	response, err := s.Client.ElectricityMeterPoints.ListConsumptionForAnElectricityMeter(params, nil)
	if err != nil {
		return time.Time{}, 0, openapi.Classify("get last reading", err)
	}
	if len(response.Payload.Results) == 0 || response.Payload.Results[0].IntervalStart == nil {
		return time.Time{}, 0, nil
	}
	r := response.Payload.Results[0]
	return time.Time(*r.IntervalStart), r.Consumption, nil
}

// Tariffs pages through the standard unit rates of a tariff between start and end.
func (s *Service) Tariffs(ctx context.Context, productCode, tariffCode string, start, end time.Time) ([]Tariff, error) {
	var all []Tariff
	pageSize := tariffPageSize
	page := int64(1)

	params := products.NewListElectricityTariffStandardUnitRatesParams().
		WithContext(ctx).
		WithProductCode(productCode).
		WithTariffCode(tariffCode).
		WithPeriodFrom((*strfmt.DateTime)(&start)).
		WithPeriodTo((*strfmt.DateTime)(&end)).
		WithPageSize(&pageSize)

	for {
		params.WithPage(&page)
		response, err := s.Client.Products.ListElectricityTariffStandardUnitRates(params, nil)
		if err != nil {
			return nil, openapi.Classify("list tariffs", err)
		}
		for _, rate := range response.Payload.Results {
			all = append(all, Tariff{
				Rate:      rate.ValueIncVat,
				ValidFrom: (*time.Time)(rate.ValidFrom),
				ValidTo:   (*time.Time)(rate.ValidTo),
			})
		}
		if response.Payload.Next == nil {
			break
		}
		page++
	}
	return all, nil
}

// Consumption pages through the half-hourly consumption of meter between start and end,
// calling fn with each interval start and kWh. It returns the number of intervals seen.
func (s *Service) Consumption(ctx context.Context, meter *Meter, start, end time.Time, fn func(time.Time, float64) error) (int, error) {
	total := 0
	page := int64(1)
	pageSize := consumptionPageSize
	params := electricity_meter_points.NewListConsumptionForAnElectricityMeterParams().
		WithContext(ctx).
		WithMpan(meter.Mpan).
		WithSerialNumber(meter.SerialNumber).
		WithPeriodFrom((*strfmt.DateTime)(&start)).
		WithPeriodTo((*strfmt.DateTime)(&end)).
		WithPageSize(&pageSize)

	for {
		params.WithPage(&page)
		response, err := s.Client.ElectricityMeterPoints.ListConsumptionForAnElectricityMeter(params, nil)
		if err != nil {
			return total, openapi.Classify("list consumption", err)
		}
		if !response.IsSuccess() {
			return total, datafeed.APIError("list consumption", fmt.Errorf("%v", response.Error()))
		}

		for _, r := range response.Payload.Results {
			if r.IntervalStart == nil {
				return total, datafeed.DataIntegrityError("list consumption", errors.New("interval without a start"))
			}
			total++
			if err := fn(time.Time(*r.IntervalStart), r.Consumption); err != nil {
				return total, err
			}
		}

		if response.Payload.Next == nil {
			break
		}
		page++
	}
	return total, nil
}
