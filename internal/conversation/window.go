package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the accepted request date format.
const DateLayout = "2006-01-02"

// displayLayout is the DD/MM/YYYY form used in output.
const displayLayout = "02/01/2006"

// ErrTimeout is returned when a request outlives its configured deadline.
var ErrTimeout = errors.New("request timed out")

// Reasons carried by ValidationError.
const (
	ReasonRequired   = "required"
	ReasonDateFormat = "expected YYYY-MM-DD"
	ReasonDateOrder  = "must not be after end_date"
)

// ValidationError rejects a request before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request is one retrieval: a channel, a token allowed to read it, and an
// inclusive calendar date range.
type Request struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Validate checks required fields only; dates are checked by ParseWindow.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.Token) == "":
		return &ValidationError{Field: "token", Reason: ReasonRequired}
	case strings.TrimSpace(r.ChannelID) == "":
		return &ValidationError{Field: "channel_id", Reason: ReasonRequired}
	case r.StartDate == "":
		return &ValidationError{Field: "start_date", Reason: ReasonRequired}
	case r.EndDate == "":
		return &ValidationError{Field: "end_date", Reason: ReasonRequired}
	}
	return nil
}

// DateWindow is an inclusive range of calendar dates in a time zone.
type DateWindow struct {
	Start time.Time // midnight of the first day
	End   time.Time // midnight of the last day
}

// ParseWindow parses two YYYY-MM-DD dates in loc. A nil loc means UTC.
func ParseWindow(start, end string, loc *time.Location) (DateWindow, error) {
	if loc == nil {
		loc = time.UTC
	}
	s, err := time.ParseInLocation(DateLayout, start, loc)
	if err != nil {
		return DateWindow{}, &ValidationError{Field: "start_date", Reason: ReasonDateFormat}
	}
	e, err := time.ParseInLocation(DateLayout, end, loc)
	if err != nil {
		return DateWindow{}, &ValidationError{Field: "end_date", Reason: ReasonDateFormat}
	}
	if s.After(e) {
		return DateWindow{}, &ValidationError{Field: "start_date", Reason: ReasonDateOrder}
	}
	return DateWindow{Start: s, End: e}, nil
}

// Bounds returns the half-open instant range [from, to), where to is
// midnight at the start of the day after End.
func (w DateWindow) Bounds() (from, to time.Time) {
	return w.Start, w.End.AddDate(0, 0, 1)
}

func (w DateWindow) Contains(t time.Time) bool {
	from, to := w.Bounds()
	return !t.Before(from) && t.Before(to)
}
