package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"1/2/2006",
	"1-2-2006",
	"2.1.2006",
	"20060102",
	"02-Jan-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04",
}

var timeLayouts = []string{
	"15:04:05",
	"15:04:05.999999999",
	"15:04",
	"3:04:05 PM",
	"3:04 PM",
	"150405",
}

// maxExcelSerial is the serial number of 9999-12-31.
const maxExcelSerial = 2958465

// ParseTimestamp combines a date cell and a time cell into one UTC
// timestamp. Both cells may hold text in a number of common layouts or an
// Excel serial number; a date cell that already carries a time of day only
// contributes its date.
func ParseTimestamp(date, clock string) (time.Time, error) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)

	if date == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrParse)
	}

	if clock == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrParse)
	}

	d, ok := parseDate(date)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unrecognised date %q", ErrParse, date)
	}

	h, m, s, ok := parseClock(clock)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unrecognised time %q", ErrParse, clock)
	}

	return time.Date(d.Year(), d.Month(), d.Day(), h, m, s, 0, time.UTC), nil
}

func parseDate(v string) (time.Time, bool) {
	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial >= 1 && serial <= maxExcelSerial {
		t, err := excelize.ExcelDateToTime(math.Floor(serial), false)
		if err != nil {
			return time.Time{}, false
		}

		return t, true
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}

	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

func parseClock(v string) (int, int, int, bool) {
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && (f < 1 || strings.Contains(v, ".")) {
		// Excel stores a time of day as a fraction of a day, possibly
		// added to a date serial.
		_, frac := math.Modf(f)
		secs := int(math.Round(frac * 86400))

		if secs >= 86400 {
			secs = 86399
		}

		return secs / 3600, (secs % 3600) / 60, secs % 60, true
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Hour(), t.Minute(), t.Second(), true
		}
	}

	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Hour(), t.Minute(), t.Second(), true
		}
	}

	return 0, 0, 0, false
}
