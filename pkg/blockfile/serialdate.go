package blockfile

import (
	"math"
	"time"
)

// serialEpoch is day zero of the spreadsheet serial date system.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

const (
	secondsPerDay = 86400
	msPerDay      = secondsPerDay * 1000
)

// ToSerialDate converts t to a fractional day count since 1899-12-30 UTC,
// at millisecond precision. Whole days are truncated toward zero.
func ToSerialDate(t time.Time) float64 {
	ms := t.UnixMilli() - serialEpoch.UnixMilli()
	days, rest := ms/msPerDay, ms%msPerDay

	return float64(days) + float64(rest)/msPerDay
}

// FromSerialDate converts a serial date back to a UTC time. Whole days are
// truncated toward zero and the fractional day is rounded to the nearest
// millisecond.
func FromSerialDate(serial float64) time.Time {
	if math.IsNaN(serial) || math.IsInf(serial, 0) {
		return time.Time{}
	}

	days := math.Trunc(serial)
	ms := math.Round((serial - days) * msPerDay)

	return serialEpoch.
		AddDate(0, 0, int(days)).
		Add(time.Duration(ms) * time.Millisecond)
}
