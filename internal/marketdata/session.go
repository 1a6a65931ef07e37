package marketdata

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// AlwaysOpen accepts orders at any time. Used in development and tests.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }

func (AlwaysOpen) Status(t time.Time) SessionStatus {
	return SessionStatus{
		Open:      true,
		Reason:    "always open",
		LocalTime: t.Format(time.RFC3339),
		Timezone:  t.Location().String(),
		OpensAt:   "00:00",
		ClosesAt:  "23:59",
	}
}

// SessionClock decides whether the exchange is open: weekdays only, outside
// listed holidays, between open and close inclusive at minute resolution,
// all in the exchange's own time zone.
type SessionClock struct {
	loc      *time.Location
	open     int // minutes after local midnight
	close    int
	holidays map[string]struct{}
}

// NewSessionClock parses open and close as "15:04".
func NewSessionClock(loc *time.Location, open, close string, holidays []string) (*SessionClock, error) {
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("session close %s must be after open %s", close, open)
	}

	hs := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		if _, err := time.Parse(dateLayout, h); err != nil {
			return nil, fmt.Errorf("holiday %q: want YYYY-MM-DD", h)
		}
		hs[h] = struct{}{}
	}
	return &SessionClock{loc: loc, open: o, close: c, holidays: hs}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *SessionClock) IsOpen(t time.Time) bool {
	return c.Status(t).Open
}

// SessionStatus explains an IsOpen answer.
type SessionStatus struct {
	Open      bool   `json:"open"`
	Reason    string `json:"reason,omitempty"`
	LocalTime string `json:"local_time"`
	Timezone  string `json:"timezone"`
	OpensAt   string `json:"opens_at"`
	ClosesAt  string `json:"closes_at"`
}

func (c *SessionClock) Status(t time.Time) SessionStatus {
	local := t.In(c.loc)
	st := SessionStatus{
		LocalTime: local.Format(time.RFC3339),
		Timezone:  c.loc.String(),
		OpensAt:   formatClock(c.open),
		ClosesAt:  formatClock(c.close),
	}

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		st.Reason = "weekend"
		return st
	}
	if _, ok := c.holidays[local.Format(dateLayout)]; ok {
		st.Reason = "holiday"
		return st
	}
	minutes := local.Hour()*60 + local.Minute()
	if minutes < c.open {
		st.Reason = "before open"
		return st
	}
	if minutes > c.close {
		st.Reason = "after close"
		return st
	}
	st.Open = true
	return st
}

func formatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// LoadHolidays reads a list of YYYY-MM-DD dates from a YAML or JSON file.
func LoadHolidays(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holidays: %w", err)
	}
	var days []string
	if err := yaml.Unmarshal(data, &days); err != nil {
		return nil, fmt.Errorf("parse holidays %s: %w", path, err)
	}
	return days, nil
}
