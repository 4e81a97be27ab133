// Package calendar answers "can this asset trade right now" and "when does
// the session end". Equities follow the XNYS (NYSE) session calendar;
// crypto trades around the clock.
package calendar

import (
	"fmt"
	"time"

	"trailbot/internal/models"
)

// Session bounds, exchange-local. Open is inclusive, close exclusive.
const (
	openHour       = 9
	openMinute     = 30
	closeHour      = 16
	earlyCloseHour = 13
	preMarketHour  = 4
	afterHoursEnd  = 20
)

// ExtendedHours widens the equity tradability window beyond the regular
// session. Close-related helpers always answer for the regular session.
type ExtendedHours struct {
	PreMarket  bool
	AfterHours bool
}

// Calendar is safe for concurrent use.
type Calendar struct {
	loc *time.Location
	ext ExtendedHours
}

// New builds a calendar. Only the "XNYS" calendar is supported.
func New(name string, ext ExtendedHours) (*Calendar, error) {
	if name != "XNYS" {
		return nil, fmt.Errorf("calendar %q unsupported", name)
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Minimal containers may lack tzdata. A fixed offset ignores DST
		// which is unacceptable for session boundaries.
		return nil, fmt.Errorf("loading America/New_York tzdata: %w", err)
	}
	return &Calendar{loc: loc, ext: ext}, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradableNow reports whether new orders for the asset class are
// acceptable at the given instant.
func (c *Calendar) IsTradableNow(class models.AssetClass, now time.Time) bool {
	if class == models.AssetCrypto {
		return true
	}
	local := now.In(c.loc)
	if !c.isTradingDay(local) {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), openHour, openMinute, 0, 0, c.loc)
	if c.ext.PreMarket {
		open = time.Date(local.Year(), local.Month(), local.Day(), preMarketHour, 0, 0, 0, c.loc)
	}
	close := c.sessionClose(local)
	if c.ext.AfterHours {
		close = time.Date(local.Year(), local.Month(), local.Day(), afterHoursEnd, 0, 0, 0, c.loc)
	}
	return !local.Before(open) && local.Before(close)
}

// NextClose returns the end of the current regular session. ok is false for
// crypto (no close) and outside regular equity hours, extended hours
// included.
func (c *Calendar) NextClose(class models.AssetClass, now time.Time) (time.Time, bool) {
	if class == models.AssetCrypto {
		return time.Time{}, false
	}
	local := now.In(c.loc)
	if !c.isTradingDay(local) {
		return time.Time{}, false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), openHour, openMinute, 0, 0, c.loc)
	close := c.sessionClose(local)
	if local.Before(open) || !local.Before(close) {
		return time.Time{}, false
	}
	return close, true
}

// MinutesUntilClose returns whole minutes remaining in the current equity
// session, rounded down. ok is false for crypto and outside sessions.
func (c *Calendar) MinutesUntilClose(class models.AssetClass, now time.Time) (int, bool) {
	close, ok := c.NextClose(class, now)
	if !ok {
		return 0, false
	}
	return int(close.Sub(now).Minutes()), true
}

// IsTradingDay reports whether the exchange opens at all on the given day.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	return c.isTradingDay(d.In(c.loc))
}

func (c *Calendar) isTradingDay(local time.Time) bool {
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.isHoliday(local)
}

func (c *Calendar) sessionClose(local time.Time) time.Time {
	h := closeHour
	if c.isEarlyClose(local) {
		h = earlyCloseHour
	}
	return time.Date(local.Year(), local.Month(), local.Day(), h, 0, 0, 0, c.loc)
}

func (c *Calendar) isHoliday(local time.Time) bool {
	y, m, d := local.Date()
	// Observed New Year's Day for year y+1 can land on Dec 31 of year y.
	for _, hd := range append(holidays(y, c.loc), holidays(y+1, c.loc)...) {
		hy, hm, hdd := hd.Date()
		if hy == y && hm == m && hdd == d {
			return true
		}
	}
	return false
}

// isEarlyClose reports the 13:00 half-day sessions: July 3 before
// Independence Day, the Friday after Thanksgiving, and Christmas Eve.
func (c *Calendar) isEarlyClose(local time.Time) bool {
	y, m, d := local.Date()
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if m == time.July && d == 3 {
		return true
	}
	if m == time.November && wd == time.Friday {
		thanksgiving := nthWeekday(y, time.November, time.Thursday, 4, c.loc)
		if d == thanksgiving.Day()+1 {
			return true
		}
	}
	if m == time.December && d == 24 {
		return true
	}
	return false
}

// holidays returns the observed NYSE holiday dates for one year.
func holidays(y int, loc *time.Location) []time.Time {
	return []time.Time{
		observed(time.Date(y, time.January, 1, 0, 0, 0, 0, loc)),
		nthWeekday(y, time.January, time.Monday, 3, loc),  // MLK Day
		nthWeekday(y, time.February, time.Monday, 3, loc), // Washington's Birthday
		goodFriday(y, loc),
		lastWeekday(y, time.May, time.Monday, loc), // Memorial Day
		observed(time.Date(y, time.June, 19, 0, 0, 0, 0, loc)),
		observed(time.Date(y, time.July, 4, 0, 0, 0, 0, loc)),
		nthWeekday(y, time.September, time.Monday, 1, loc),  // Labor Day
		nthWeekday(y, time.November, time.Thursday, 4, loc), // Thanksgiving
		observed(time.Date(y, time.December, 25, 0, 0, 0, 0, loc)),
	}
}

// observed shifts weekend holidays: Saturday observes Friday, Sunday
// observes Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	default:
		return d
	}
}

func nthWeekday(y int, m time.Month, wd time.Weekday, n int, loc *time.Location) time.Time {
	d := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	offset := (int(wd) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+(n-1)*7)
}

func lastWeekday(y int, m time.Month, wd time.Weekday, loc *time.Location) time.Time {
	d := time.Date(y, m+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(wd) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// goodFriday is two days before Easter Sunday (anonymous Gregorian
// computus).
func goodFriday(y int, loc *time.Location) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	easter := time.Date(y, time.Month(month), day, 0, 0, 0, 0, loc)
	return easter.AddDate(0, 0, -2)
}
