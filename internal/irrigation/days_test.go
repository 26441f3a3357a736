package irrigation

import (
	"slices"
	"testing"
)

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []int
	}{
		{"MON,WED,FRI", []int{0, 2, 4}},
		{"MON,XXX,SUN", []int{0, 6}},
		{"mon,TUE", []int{1}},
		{"MON, WED", []int{0}},
		{" tue , thu ", []int{}},
		{"SAT,SAT", []int{5}},
		{"", []int{}},
		{"garbage", []int{}},
		{",,,", []int{}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := ParseWeekdays(tc.in).Indexes()
			if !slices.Equal(got, tc.want) {
				t.Fatalf("ParseWeekdays(%q)=%v want %v", tc.in, got, tc.want)
			}
		})
	}
	if !ParseWeekdays("nope").Empty() {
		t.Fatalf("garbage must yield an empty set")
	}
}

func TestDaySetCronField(t *testing.T) {
	t.Parallel()
	if got := ParseWeekdays("MON,WED,FRI").CronField(); got != "1,3,5" {
		t.Fatalf("CronField=%q", got)
	}
	if got := ParseWeekdays("SUN,SAT").CronField(); got != "6,0" {
		t.Fatalf("CronField=%q", got)
	}
	if got := ParseWeekdays("SUN").Shift(1).String(); got != "MON" {
		t.Fatalf("Shift(1) of SUN=%q", got)
	}
	if got := ParseWeekdays("MON,SAT").Shift(1).String(); got != "TUE,SUN" {
		t.Fatalf("Shift(1)=%q", got)
	}
}

func TestStopTime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		h, m, minutes   int
		wh, wm, wshift int
	}{
		{6, 0, 30, 6, 30, 0},
		{6, 0, 1380, 5, 0, 1},
		{23, 30, 60, 0, 30, 1},
		{23, 59, 1, 0, 0, 1},
		{0, 0, 360, 6, 0, 0},
	}
	for _, tc := range cases {
		h, m, shift := StopTime(tc.h, tc.m, tc.minutes)
		if h != tc.wh || m != tc.wm || shift != tc.wshift {
			t.Fatalf("StopTime(%02d:%02d+%d)=%02d:%02d/%d want %02d:%02d/%d",
				tc.h, tc.m, tc.minutes, h, m, shift, tc.wh, tc.wm, tc.wshift)
		}
	}
}
