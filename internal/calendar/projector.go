// Package calendar groups appointments by day and keeps per-status counts.
// Projections are pure functions of their input.
package calendar

import (
	"sort"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

// DateKey is a calendar day formatted YYYY-MM-DD.
type DateKey string

const dateLayout = "2006-01-02"

// KeyFor buckets t into a day in loc. A nil loc means UTC.
func KeyFor(t time.Time, loc *time.Location) DateKey {
	if loc == nil {
		loc = time.UTC
	}
	return DateKey(t.In(loc).Format(dateLayout))
}

// Time returns midnight of the key's day in loc.
func (k DateKey) Time(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(dateLayout, string(k), loc)
}

type Counts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Declined int `json:"declined"`
	Total    int `json:"total"`
}

func (c *Counts) add(s model.Status) {
	switch s {
	case model.StatusPending:
		c.Pending++
	case model.StatusApproved:
		c.Approved++
	case model.StatusDeclined:
		c.Declined++
	}
	c.Total++
}

type Projection struct {
	ByDate   map[DateKey][]model.Appointment `json:"by_date"`
	Counts   Counts                          `json:"counts"`
	Location *time.Location                  `json:"-"`
}

// Project buckets appointments by the day of ScheduledAt in loc. The input
// slice is not modified. Within a day records are ordered by ScheduledAt,
// then ledger id (records without one last), then local id, so the result
// does not depend on input order.
func Project(appts []model.Appointment, loc *time.Location) Projection {
	if loc == nil {
		loc = time.UTC
	}
	p := Projection{ByDate: make(map[DateKey][]model.Appointment), Location: loc}
	for _, a := range appts {
		a.LedgerID = copyID(a.LedgerID)
		key := KeyFor(a.ScheduledAt, loc)
		p.ByDate[key] = append(p.ByDate[key], a)
		p.Counts.add(a.Status)
	}
	for _, day := range p.ByDate {
		sort.SliceStable(day, func(i, j int) bool { return less(day[i], day[j]) })
	}
	return p
}

func less(a, b model.Appointment) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	switch {
	case a.LedgerID != nil && b.LedgerID == nil:
		return true
	case a.LedgerID == nil && b.LedgerID != nil:
		return false
	case a.LedgerID != nil && *a.LedgerID != *b.LedgerID:
		return *a.LedgerID < *b.LedgerID
	}
	return a.LocalID < b.LocalID
}

// On returns the appointments for one day, or nil.
func (p Projection) On(key DateKey) []model.Appointment {
	return p.ByDate[key]
}

// Dates returns the days that have appointments, ascending.
func (p Projection) Dates() []DateKey {
	keys := make([]DateKey, 0, len(p.ByDate))
	for k := range p.ByDate {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Day is one cell of a month grid.
type Day struct {
	Date  DateKey `json:"date"`
	Count int     `json:"count"`
}

// MonthGrid returns every day of the month with its appointment count,
// including empty days.
func (p Projection) MonthGrid(year int, month time.Month) []Day {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	days := first.AddDate(0, 1, -1).Day()
	grid := make([]Day, days)
	for i := range grid {
		key := KeyFor(first.AddDate(0, 0, i), loc)
		grid[i] = Day{Date: key, Count: len(p.ByDate[key])}
	}
	return grid
}

func copyID(id *uint64) *uint64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
