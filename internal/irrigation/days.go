package irrigation

import (
	"strconv"
	"strings"
)

var weekdayIndex = map[string]int{
	"MON": 0, "TUE": 1, "WED": 2, "THU": 3, "FRI": 4, "SAT": 5, "SUN": 6,
}

// DaySet is a set of weekday indices, 0 = Monday .. 6 = Sunday.
type DaySet uint8

// ParseWeekdays parses "MON,WED,FRI". Tokens must match exactly; anything
// else, including " MON" or "mon", is dropped.
func ParseWeekdays(s string) DaySet {
	var d DaySet
	for _, tok := range strings.Split(s, ",") {
		if i, ok := weekdayIndex[tok]; ok {
			d |= 1 << i
		}
	}
	return d
}

func (d DaySet) Empty() bool { return d&0x7f == 0 }

func (d DaySet) Has(i int) bool { return i >= 0 && i < 7 && d&(1<<i) != 0 }

func (d DaySet) Indexes() []int {
	out := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		if d.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Shift moves every day forward by n days, wrapping Sunday to Monday.
func (d DaySet) Shift(n int) DaySet {
	n = ((n % 7) + 7) % 7
	var out DaySet
	for _, i := range d.Indexes() {
		out |= 1 << ((i + n) % 7)
	}
	return out
}

// CronField renders the set as a cron day-of-week field (0 = Sunday).
func (d DaySet) CronField() string {
	parts := make([]string, 0, 7)
	for _, i := range d.Indexes() {
		parts = append(parts, strconv.Itoa((i+1)%7))
	}
	return strings.Join(parts, ",")
}

func (d DaySet) String() string {
	names := [7]string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"}
	parts := make([]string, 0, 7)
	for _, i := range d.Indexes() {
		parts = append(parts, names[i])
	}
	return strings.Join(parts, ",")
}

// StopTime returns the wall clock time minutes after hour:minute and how
// many midnights were crossed on the way.
func StopTime(hour, minute, minutes int) (h, m, dayShift int) {
	total := hour*60 + minute + minutes
	dayShift = total / (24 * 60)
	total %= 24 * 60
	return total / 60, total % 60, dayShift
}
