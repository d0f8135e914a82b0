package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// DATE - Calendar day without clock component (leave start/end)
// =============================================================================

// DateLayout is the wire and storage format for dates.
const DateLayout = "2006-01-02"

// Date is a calendar day normalized to UTC midnight.
type Date struct {
	Time time.Time
}

// NewDate builds a Date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day.
func DateOf(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	return NewDate(t.Year(), t.Month(), t.Day())
}

// Today returns the current UTC calendar day.
func Today() Date { return DateOf(time.Now().UTC()) }

// ParseDate accepts YYYY-MM-DD and DD/MM/YYYY (the form layout).
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, &InvalidInputError{Field: "fecha", Reason: "empty date"}
	}
	for _, layout := range []string{DateLayout, "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, &InvalidInputError{Field: "fecha", Value: s, Reason: "expected YYYY-MM-DD"}
}

// Comparison
func (d Date) IsZero() bool            { return d.Time.IsZero() }
func (d Date) Equal(other Date) bool   { return d.Time.Equal(other.Time) }
func (d Date) Before(other Date) bool  { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool   { return d.Time.After(other.Time) }
func (d Date) AddDays(n int) Date      { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) Year() int               { return d.Time.Year() }
func (d Date) Month() time.Month       { return d.Time.Month() }
func (d Date) Day() int                { return d.Time.Day() }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time.Format(DateLayout)
}

// DaysInclusive counts calendar days in [from, to]; 0 when to < from.
func DaysInclusive(from, to Date) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Time.Sub(from.Time).Hours()/24) + 1
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
