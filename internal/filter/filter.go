package filter

import (
	"errors"
	"fmt"
	"time"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/facility"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
)

// Window is a forward offset from the reference date.
type Window struct {
	Months int
	Days   int
}

var DefaultWindow = Window{Months: 6}

// End returns reference+window. Month arithmetic clamps to the last day of the
// target month, so Aug 31 + 6 months is Feb 28 (or 29), not Mar 3.
func (w Window) End(ref time.Time) time.Time {
	return addMonthsClamped(ref, w.Months).AddDate(0, 0, w.Days)
}

func (w Window) String() string {
	switch {
	case w.Days == 0:
		return fmt.Sprintf("%d months", w.Months)
	case w.Months == 0:
		return fmt.Sprintf("%d days", w.Days)
	}
	return fmt.Sprintf("%d months %d days", w.Months, w.Days)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, t.Location())
}

type Options struct {
	Reference time.Time // truncated to its UTC date; zero means today
	Window    Window
	Logger    logger.Logger
}

// Match is a facility with at least one accreditation inside the window.
type Match struct {
	Facility   facility.Facility
	NextExpiry time.Time // earliest in-window valid_until
	Body       string    // accreditation body of NextExpiry
}

// Skipped is a record or accreditation entry left out because it was invalid.
type Skipped struct {
	FacilityID string
	Reason     string
	Err        error
}

type Result struct {
	Reference time.Time
	WindowEnd time.Time
	Matches   []Match
	Skipped   []Skipped
	Duplicate int
}

func (r *Result) Facilities() []facility.Facility {
	out := make([]facility.Facility, 0, len(r.Matches))
	for _, m := range r.Matches {
		out = append(out, m.Facility)
	}
	return out
}

// Expiring keeps facilities holding an accreditation whose valid_until falls in
// [reference, reference+window). Expired accreditations do not match. Input
// order is preserved and each facility_id appears at most once.
func Expiring(records []facility.Facility, opt Options) *Result {
	log := opt.Logger
	if log == nil {
		log = logger.NewNop()
	}
	win := opt.Window
	if win.Months == 0 && win.Days == 0 {
		win = DefaultWindow
	}
	ref := opt.Reference
	if ref.IsZero() {
		ref = time.Now()
	}
	ref = truncateDate(ref)
	end := win.End(ref)

	res := &Result{Reference: ref, WindowEnd: end}
	seen := make(map[string]bool, len(records))

	for _, f := range records {
		if err := f.Validate(); err != nil {
			log.Warn("skipping invalid facility record", map[string]interface{}{
				"facility_id": f.FacilityID,
				"error":       err.Error(),
			})
			res.Skipped = append(res.Skipped, Skipped{FacilityID: f.FacilityID, Reason: "invalid_record", Err: err})
			continue
		}
		if seen[f.FacilityID] {
			res.Duplicate++
			log.Warn("duplicate facility_id in batch", map[string]interface{}{"facility_id": f.FacilityID})
			continue
		}
		seen[f.FacilityID] = true

		var (
			best     time.Time
			bestBody string
		)
		for _, acc := range f.Accreditations {
			exp, err := acc.Expiry()
			if err != nil {
				var ve *apperr.ValidationError
				if errors.As(err, &ve) {
					ve.FacilityID = f.FacilityID
				}
				log.Warn("skipping accreditation with malformed valid_until", map[string]interface{}{
					"facility_id":        f.FacilityID,
					"accreditation_body": acc.AccreditationBody,
					"valid_until":        acc.ValidUntil,
				})
				res.Skipped = append(res.Skipped, Skipped{FacilityID: f.FacilityID, Reason: "bad_date", Err: err})
				continue
			}
			if exp.Before(ref) || !exp.Before(end) {
				continue
			}
			if best.IsZero() || exp.Before(best) {
				best, bestBody = exp, acc.AccreditationBody
			}
		}
		if best.IsZero() {
			continue
		}

		log.Debug("accreditation expiring inside window", map[string]interface{}{
			"facility_id":        f.FacilityID,
			"facility_name":      f.FacilityName,
			"accreditation_body": bestBody,
			"valid_until":        best.Format(facility.DateLayout),
		})
		res.Matches = append(res.Matches, Match{Facility: f, NextExpiry: best, Body: bestBody})
	}

	log.Info("filtered facilities by accreditation expiry", map[string]interface{}{
		"reference":  ref.Format(facility.DateLayout),
		"window_end": end.Format(facility.DateLayout),
		"window":     win.String(),
		"input":      len(records),
		"matched":    len(res.Matches),
		"skipped":    len(res.Skipped),
		"duplicates": res.Duplicate,
	})
	return res
}

// ParseReference parses YYYY-MM-DD; empty means today in UTC.
func ParseReference(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return truncateDate(now), nil
	}
	t, err := time.Parse(facility.DateLayout, s)
	if err != nil {
		return time.Time{}, &apperr.ValidationError{Field: "reference_date", Value: s, Reason: "not a YYYY-MM-DD date"}
	}
	return t, nil
}

func truncateDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
