package facility

import (
	"fmt"
	"strings"
	"time"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

const DateLayout = "2006-01-02"

type Facility struct {
	FacilityID     string          `json:"facility_id"`
	FacilityName   string          `json:"facility_name"`
	Location       Location        `json:"location"`
	EmployeeCount  int             `json:"employee_count"`
	Services       []string        `json:"services"`
	Labs           []Lab           `json:"labs"`
	Accreditations []Accreditation `json:"accreditations"`
}

type Location struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
}

type Lab struct {
	LabName        string   `json:"lab_name"`
	Certifications []string `json:"certifications"`
}

type Accreditation struct {
	AccreditationBody string `json:"accreditation_body"`
	AccreditationID   string `json:"accreditation_id"`
	ValidUntil        string `json:"valid_until"`
}

// Validate checks the record-level invariants. Accreditation dates are checked
// separately by Expiry so one bad entry does not discard the whole facility.
func (f *Facility) Validate() error {
	if strings.TrimSpace(f.FacilityID) == "" {
		return &apperr.ValidationError{Field: "facility_id", Reason: "missing facility_id"}
	}
	if f.EmployeeCount < 0 {
		return &apperr.ValidationError{
			FacilityID: f.FacilityID,
			Field:      "employee_count",
			Value:      fmt.Sprint(f.EmployeeCount),
			Reason:     "must not be negative",
		}
	}
	return nil
}

// HasCertification reports whether any lab holds the certification.
func (f *Facility) HasCertification(cert string) bool {
	for _, l := range f.Labs {
		for _, c := range l.Certifications {
			if strings.EqualFold(c, cert) {
				return true
			}
		}
	}
	return false
}

// Expiry parses valid_until as a calendar date. RFC 3339 timestamps are
// accepted and truncated to their UTC date.
func (a Accreditation) Expiry() (time.Time, error) {
	s := strings.TrimSpace(a.ValidUntil)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, &apperr.ValidationError{
		Field:  "valid_until",
		Value:  a.ValidUntil,
		Reason: "not a YYYY-MM-DD date",
	}
}
