package trace

import (
	"math"
	"time"
)

const secondsInDay = 86400

var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ExcelTime converts wall clock time to Excel serial date (days since 1899-12-30 plus fraction of day). Time is
// taken as is in its location. Sub-second part is truncated as PCAN-View traces store start time with whole seconds.
// Together with 0.1 ms offset column this limits .trc timing resolution, see Writer.
func ExcelTime(t time.Time) float64 {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	days := (midnight.Unix() - excelEpoch.Unix()) / secondsInDay
	seconds := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return float64(days) + float64(seconds)/secondsInDay
}

// FromExcelTime converts Excel serial date to time in given location. Result is rounded to milliseconds.
func FromExcelTime(v float64, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	days := math.Floor(v)
	ms := int64(math.Round((v - days) * secondsInDay * 1000))

	t := excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(ms) * time.Millisecond)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
