package domain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
)

func TestNaiveMillisDropsZone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	local := time.Date(2025, 11, 4, 9, 30, 0, 0, berlin)
	utc := time.Date(2025, 11, 4, 9, 30, 0, 0, time.UTC)

	// The wall-clock reading is kept, the offset is discarded.
	if NaiveMillis(local) != NaiveMillis(utc) {
		t.Fatalf("NaiveMillis(%v) = %d, want %d", local, NaiveMillis(local), NaiveMillis(utc))
	}
	if got := NaiveMillis(utc); got != utc.UnixMilli() {
		t.Fatalf("NaiveMillis(utc) = %d, want %d", got, utc.UnixMilli())
	}
}

func TestBarMonthStart(t *testing.T) {
	b := Bar{Date: NaiveMillis(time.Date(2024, 3, 17, 15, 4, 5, 0, time.UTC))}
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := b.MonthStart(); !got.Equal(want) {
		t.Fatalf("MonthStart = %v, want %v", got, want)
	}
}

func TestBarSeqRank(t *testing.T) {
	null := Bar{}
	zero := Bar{Sequence: Int64Ptr(0)}
	if null.SeqRank() >= zero.SeqRank() {
		t.Fatal("null sequence must rank below sequence 0")
	}
}

func TestTradeParquetRoundTrip(t *testing.T) {
	dist := time.Date(2025, 11, 4, 9, 0, 38, 0, time.UTC).UnixNano()
	rows := []Trade{{
		Isin:             "DE0001234567",
		Currency:         "EUR",
		Price:            10.5,
		Volume:           100,
		TradeTime:        time.Date(2025, 11, 4, 9, 0, 37, 0, time.UTC).UnixNano(),
		DistributionTime: Int64Ptr(dist),
		TransID:          "T1",
		TickID:           7,
		Mnemonic:         StringPtr("XYZ"),
	}}

	path := filepath.Join(t.TempDir(), "trades.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := parquet.Write(f, rows); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := parquet.ReadFile[Trade](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	if got[0].DistributionTime == nil || *got[0].DistributionTime != dist {
		t.Fatalf("DistributionTime = %v, want %d", got[0].DistributionTime, dist)
	}
	if got[0].Minute() != "2025-11-04T09_00" {
		t.Fatalf("Minute = %q", got[0].Minute())
	}
}

func TestTradeMinute(t *testing.T) {
	tr := Trade{TradeTime: time.Date(2025, 11, 4, 9, 0, 37, 123456789, time.UTC).UnixNano()}
	if got := tr.Minute(); got != "2025-11-04T09_00" {
		t.Fatalf("Minute = %q", got)
	}
}
