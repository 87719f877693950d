// Package domain defines the row types shared across fetchers, stores, and
// the migration coordinator: OHLCV bars and posttrade trade records.
package domain

import "time"

// Bar is one OHLCV row as stored on disk. Date is a timezone-naive timestamp
// encoded as Unix milliseconds of the clock reading as-if-UTC. Volume and
// Sequence are nullable; Sequence is the dedup tiebreaker for (Stock, Date).
type Bar struct {
	Stock    string  `parquet:"stock"`
	Date     int64   `parquet:"date,timestamp(millisecond)"`
	Open     float64 `parquet:"open"`
	High     float64 `parquet:"high"`
	Low      float64 `parquet:"low"`
	Close    float64 `parquet:"close"`
	Volume   *int64  `parquet:"volume,optional"`
	Sequence *int64  `parquet:"sequence,optional"`
}

// Time returns the bar date as a UTC time value.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Date).UTC()
}

// MonthStart returns midnight on the first day of the bar's month, the
// partition key for ticker-month files.
func (b Bar) MonthStart() time.Time {
	t := b.Time()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// SeqRank returns the sequence value used for tiebreaking. Null sequences
// rank below any concrete value.
func (b Bar) SeqRank() int64 {
	if b.Sequence == nil {
		return -1 << 62
	}
	return *b.Sequence
}

// NaiveMillis encodes a wall-clock reading as naive Unix milliseconds,
// discarding the zone.
func NaiveMillis(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC).UnixMilli()
}

// Int64Ptr returns a pointer to v. Convenience for the nullable columns.
func Int64Ptr(v int64) *int64 { return &v }
