package util

import (
	"fmt"
	"time"
	_ "time/tzdata" // session time zones must resolve in minimal containers
)

// Session describes a daily trading session in a fixed time zone, Monday
// to Friday. Exchange holidays are not modelled.
type Session struct {
	loc   *time.Location
	open  time.Duration
	close time.Duration
}

// NewSession parses a time zone name and "15:04" open and close times.
func NewSession(tz, open, close string) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("session time zone: %w", err)
	}
	o, err := clockTime(open)
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	c, err := clockTime(close)
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("session close %s is not after open %s", close, open)
	}
	return &Session{loc: loc, open: o, close: c}, nil
}

// USEquities is the regular NYSE/Nasdaq session, 09:30-16:00 New York time.
func USEquities() *Session {
	s, err := NewSession("America/New_York", "09:30", "16:00")
	if err != nil {
		panic(err)
	}
	return s
}

func clockTime(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the session time zone.
func (s *Session) Location() *time.Location { return s.loc }

// TradeDate returns the session-local date of t as YYYY-MM-DD.
func (s *Session) TradeDate(t time.Time) string {
	return t.In(s.loc).Format(time.DateOnly)
}

func (s *Session) day(t time.Time) time.Time {
	l := t.In(s.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Session) at(day time.Time, offset time.Duration) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc).Add(offset)
}

func weekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsOpen reports whether t falls in [open, close) on a weekday.
func (s *Session) IsOpen(t time.Time) bool {
	day := s.day(t)
	if !weekday(day) {
		return false
	}
	return !t.Before(s.at(day, s.open)) && t.Before(s.at(day, s.close))
}

// NextOpen returns the first session open at or after t.
func (s *Session) NextOpen(t time.Time) time.Time {
	day := s.day(t)
	for i := 0; i < 8; i++ {
		d := day.AddDate(0, 0, i)
		if open := s.at(d, s.open); weekday(d) && !open.Before(t) {
			return open
		}
	}
	panic("unreachable")
}

// NextClose returns the close of the session in progress at t, or of the
// next session when the market is closed.
func (s *Session) NextClose(t time.Time) time.Time {
	day := s.day(t)
	for i := 0; i < 8; i++ {
		d := day.AddDate(0, 0, i)
		if c := s.at(d, s.close); weekday(d) && c.After(t) {
			return c
		}
	}
	panic("unreachable")
}
