// Package bills holds billing statements and the pass that removes overlaps between them.
package bills

import (
	"slices"
	"time"
)

// Item is one line of a bill.
type Item struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	Rate        *float64 `json:"rate,omitempty"`
	Total       float64  `json:"total"`
	Unit        string   `json:"unit,omitempty"`
}

// Attachment references a stored copy of the statement.
type Attachment struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"`
	Format   string `json:"format"`
	Provider string `json:"provider,omitempty"`
}

// BillingDatum is one billing statement over an inclusive date range.
type BillingDatum struct {
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	StatementDate time.Time    `json:"statement_date"`
	Cost          float64      `json:"cost"`
	Used          *float64     `json:"used,omitempty"`
	Peak          *float64     `json:"peak,omitempty"`
	Items         []Item       `json:"items,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	UtilityCode   string       `json:"utility_code,omitempty"`
}

// PDF describes a statement document collected for a utility account.
type PDF struct {
	UtilityAccountID string    `json:"utility_account_id"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	StatementDate    time.Time `json:"statement_date"`
	Path             string    `json:"path"`
}

func overlaps(a, b BillingDatum) bool {
	return !a.Start.After(b.End) && !b.Start.After(a.End)
}

// AdjustBillDates sorts bills by start date and pushes the start of any bill that overlaps or
// touches an earlier accepted bill to the day after that bill ends. It is greedy and order
// dependent: ties keep their original order. A bill whose whole period is already covered
// ends up with Start after End and is dropped. The input is not modified.
func AdjustBillDates(in []BillingDatum) []BillingDatum {
	sorted := slices.Clone(in)
	slices.SortStableFunc(sorted, func(a, b BillingDatum) int {
		return a.Start.Compare(b.Start)
	})

	out := make([]BillingDatum, 0, len(sorted))
	for _, bill := range sorted {
		for _, prev := range out {
			if overlaps(bill, prev) {
				bill.Start = prev.End.AddDate(0, 0, 1)
			}
		}
		if bill.Start.After(bill.End) {
			continue
		}
		out = append(out, bill)
	}
	slices.SortStableFunc(out, func(a, b BillingDatum) int {
		return a.Start.Compare(b.Start)
	})
	return out
}
