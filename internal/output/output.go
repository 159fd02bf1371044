// Package output writes the data collected by a run to disk as CSV and JSON.
package output

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mgazza/meter-datafeeds/internal/bills"
	"github.com/mgazza/meter-datafeeds/internal/daterange"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/timeline"
)

const (
	ReadingsJSON     = "readings.json"
	ReadingsCSV      = "readings.csv"
	BillsJSON        = "bills.json"
	BillsCSV         = "bills.csv"
	PartialBillsJSON = "partial_bills.json"
	PDFsJSON         = "pdfs.json"
)

// Dir writes one feed's output into its own directory.
type Dir struct {
	path string
	log  logger.Logger
}

// NewDir creates root/feed and returns a sink writing into it.
func NewDir(root, feed string, log logger.Logger) (*Dir, error) {
	path := filepath.Join(root, feed)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", path, err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Dir{path: path, log: log}, nil
}

// Path returns the directory being written.
func (d *Dir) Path() string { return d.path }

// Readings writes readings as JSON and as a CSV with one row per day.
func (d *Dir) Readings(_ context.Context, r timeline.Readings) error {
	if err := d.writeJSON(ReadingsJSON, r); err != nil {
		return err
	}
	if err := d.writeCSV(ReadingsCSV, readingsRecords(r)); err != nil {
		return err
	}
	d.log.Info("Wrote readings", logger.String("dir", d.path), logger.Int("days", len(r)))
	return nil
}

// Bills writes bills as JSON and CSV.
func (d *Dir) Bills(_ context.Context, b []bills.BillingDatum) error {
	if err := d.writeJSON(BillsJSON, b); err != nil {
		return err
	}
	if err := d.writeCSV(BillsCSV, billRecords(b)); err != nil {
		return err
	}
	d.log.Info("Wrote bills", logger.String("dir", d.path), logger.Int("bills", len(b)))
	return nil
}

// PartialBills writes partial bills as JSON.
func (d *Dir) PartialBills(_ context.Context, b []bills.BillingDatum) error {
	if err := d.writeJSON(PartialBillsJSON, b); err != nil {
		return err
	}
	d.log.Info("Wrote partial bills", logger.String("dir", d.path), logger.Int("bills", len(b)))
	return nil
}

// PDFs writes the PDF index as JSON.
func (d *Dir) PDFs(_ context.Context, p []bills.PDF) error {
	if err := d.writeJSON(PDFsJSON, p); err != nil {
		return err
	}
	d.log.Info("Wrote PDF index", logger.String("dir", d.path), logger.Int("pdfs", len(p)))
	return nil
}

func (d *Dir) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(d.path, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (d *Dir) writeCSV(name string, records [][]string) error {
	file, err := os.Create(filepath.Join(d.path, name))
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// readingsRecords lays readings out as date + one column per slot, labelled by slot start time.
func readingsRecords(r timeline.Readings) [][]string {
	dates := make([]string, 0, len(r))
	slots := 0
	for date, values := range r {
		dates = append(dates, date)
		slots = max(slots, len(values))
	}
	sort.Strings(dates)

	header := []string{"Date"}
	if slots > 0 {
		step := 24 * time.Hour / time.Duration(slots)
		for i := range slots {
			header = append(header, time.Time{}.Add(time.Duration(i)*step).Format("15:04"))
		}
	}

	records := [][]string{header}
	for _, date := range dates {
		row := []string{date}
		for _, v := range r[date] {
			row = append(row, formatFloat(v, 4))
		}
		records = append(records, row)
	}
	return records
}

func billRecords(b []bills.BillingDatum) [][]string {
	records := [][]string{{"Start", "End", "StatementDate", "Cost", "Used", "Peak", "UtilityCode"}}
	for _, bill := range b {
		records = append(records, []string{
			bill.Start.Format(daterange.Layout),
			bill.End.Format(daterange.Layout),
			bill.StatementDate.Format(daterange.Layout),
			fmt.Sprintf("%.2f", bill.Cost),
			formatFloat(bill.Used, 4),
			formatFloat(bill.Peak, 4),
			bill.UtilityCode,
		})
	}
	return records
}

// formatFloat renders a missing value as NaN.
func formatFloat(val *float64, precision int) string {
	if val == nil {
		return "NaN"
	}
	return fmt.Sprintf("%.*f", precision, *val)
}
