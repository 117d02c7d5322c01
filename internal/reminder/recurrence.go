package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Calendar does recurrence arithmetic in one reference timezone.
//
// Every-N-days is counted in calendar days of Loc, so the wall-clock time of
// day stays fixed across DST changes. A time that does not exist on a given
// day (spring-forward gap) moves forward by the size of the jump, so 02:30 on
// a 02:00 to 03:00 jump fires at 03:30.
type Calendar struct {
	Loc *time.Location
}

// NewCalendar resolves an IANA zone name; empty means UTC.
func NewCalendar(tz string) (Calendar, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return Calendar{Loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Calendar{}, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return Calendar{Loc: loc}, nil
}

func (c Calendar) loc() *time.Location {
	if c.Loc == nil {
		return time.UTC
	}
	return c.Loc
}

func (c Calendar) rule(dtstart time.Time, intervalDays int, tod TimeOfDay) (*rrule.RRule, error) {
	if intervalDays < 1 {
		intervalDays = 1
	}
	return rrule.NewRRule(rrule.ROption{
		Freq:     rrule.DAILY,
		Interval: intervalDays,
		Dtstart:  dtstart.In(c.loc()).Truncate(time.Second),
		Byhour:   []int{tod.Hour},
		Byminute: []int{tod.Minute},
		Bysecond: []int{0},
	})
}

// wallClock returns tod on the given local day. Inside a DST gap the offset in
// effect before the jump is used, which lands past the gap.
func (c Calendar) wallClock(y int, mo time.Month, d int, tod TimeOfDay) time.Time {
	loc := c.loc()
	t := time.Date(y, mo, d, tod.Hour, tod.Minute, 0, 0, loc)
	if t.Hour() == tod.Hour && t.Minute() == tod.Minute {
		return t
	}
	_, off := t.Add(-12 * time.Hour).Zone()
	naive := time.Date(y, mo, d, tod.Hour, tod.Minute, 0, 0, time.UTC)
	return naive.Add(-time.Duration(off) * time.Second).In(loc)
}

func (c Calendar) normalize(t time.Time, tod TimeOfDay) time.Time {
	local := t.In(c.loc())
	if local.Hour() == tod.Hour && local.Minute() == tod.Minute {
		return t
	}
	return c.wallClock(local.Year(), local.Month(), local.Day(), tod)
}

// gapSlack covers the widest DST jump, so a gap-day occurrence that rrule
// places before t is still seen once normalized.
const gapSlack = 3 * time.Hour

// after returns the first normalized occurrence of r strictly after t, or
// the zero time.
func (c Calendar) after(r *rrule.RRule, t time.Time, tod TimeOfDay) time.Time {
	n := r.After(t.Add(-gapSlack), false)
	for i := 0; i < 8 && !n.IsZero(); i++ {
		if got := c.normalize(n, tod); got.After(t) {
			return got
		}
		n = r.After(n, false)
	}
	return time.Time{}
}

// FirstDue returns the first wall-clock tod strictly after now.
func (c Calendar) FirstDue(now time.Time, tod TimeOfDay) time.Time {
	local := now.In(c.loc())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc())
	r, err := c.rule(midnight, 1, tod)
	if err != nil {
		return c.fallback(local, tod, 1)
	}
	next := c.after(r, now, tod)
	if next.IsZero() {
		return c.fallback(local, tod, 1)
	}
	return next
}

// NextDue returns the occurrence intervalDays after due, at tod.
// It is never computed from the acknowledgment time.
func (c Calendar) NextDue(due time.Time, intervalDays int, tod TimeOfDay) time.Time {
	r, err := c.rule(due, intervalDays, tod)
	if err != nil {
		return c.fallback(due.In(c.loc()), tod, intervalDays)
	}
	next := c.after(r, due, tod)
	if next.IsZero() {
		return c.fallback(due.In(c.loc()), tod, intervalDays)
	}
	return next
}

// NextDueAfter returns the first occurrence of the series anchored at due that
// falls strictly after after. For one-time reminders it is FirstDue(after).
func (c Calendar) NextDueAfter(due time.Time, intervalDays int, tod TimeOfDay, after time.Time) time.Time {
	if intervalDays <= 0 {
		return c.FirstDue(after, tod)
	}
	if due.After(after) {
		return due
	}
	r, err := c.rule(due, intervalDays, tod)
	if err != nil {
		return c.FirstDue(after, tod)
	}
	next := c.after(r, after, tod)
	if next.IsZero() {
		return c.FirstDue(after, tod)
	}
	return next
}

func (c Calendar) fallback(local time.Time, tod TimeOfDay, days int) time.Time {
	if days < 1 {
		days = 1
	}
	return c.wallClock(local.Year(), local.Month(), local.Day()+days, tod)
}
