// Package market models venue trading calendars. Collectors consult the
// clock before polling and the feature engineer stamps rows with the
// market-open flag, so both share one definition of "open".
package market

import (
	"fmt"
	"time"
)

// Session is one venue's daily trading window in its local timezone.
// Weekends are always closed.
type Session struct {
	loc       *time.Location
	openMins  int
	closeMins int
}

// NewSession builds a session for the named IANA timezone with an
// [open, close) window given as hours and minutes of the local day.
func NewSession(tz string, openHour, openMin, closeHour, closeMin int) (Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Session{}, fmt.Errorf("load timezone %s: %w", tz, err)
	}
	return Session{
		loc:       loc,
		openMins:  openHour*60 + openMin,
		closeMins: closeHour*60 + closeMin,
	}, nil
}

// IsOpen reports whether the session trades at t.
func (s Session) IsOpen(t time.Time) bool {
	local := t.In(s.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= s.openMins && mins < s.closeMins
}

// Clock maps venues to their trading sessions. Venues without a session,
// such as crypto exchanges, never close.
type Clock struct {
	sessions map[string]Session
}

// NewClock returns a clock for the built-in venues: Borsa Istanbul trades
// 09:40 to 18:10 Istanbul time, the US exchanges 09:30 to 16:00 New York
// time, and everything else around the clock.
func NewClock() (*Clock, error) {
	bist, err := NewSession("Europe/Istanbul", 9, 40, 18, 10)
	if err != nil {
		return nil, err
	}
	us, err := NewSession("America/New_York", 9, 30, 16, 0)
	if err != nil {
		return nil, err
	}
	return &Clock{sessions: map[string]Session{
		"bist":    bist,
		"nasdaq":  us,
		"nyse":    us,
		"polygon": us,
	}}, nil
}

// WithSession returns a copy of the clock with the venue's session replaced.
func (c *Clock) WithSession(exchange string, s Session) *Clock {
	sessions := make(map[string]Session, len(c.sessions)+1)
	for k, v := range c.sessions {
		sessions[k] = v
	}
	sessions[exchange] = s
	return &Clock{sessions: sessions}
}

// IsOpen reports whether the venue trades at t.
func (c *Clock) IsOpen(exchange string, t time.Time) bool {
	s, ok := c.sessions[exchange]
	if !ok {
		return true
	}
	return s.IsOpen(t)
}
