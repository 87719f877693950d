package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"tickvault/internal/domain"
)

func writeRows[T any](t *testing.T, path string, rows []T) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
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
}

func TestSafeReadBarsOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	writeRows(t, path, []domain.Bar{bar("AAPL", ts, 100, domain.Int64Ptr(7))})

	bars, outcome, err := SafeReadBars(path)
	if err != nil || outcome != OutcomeOK {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if len(bars) != 1 || bars[0].Stock != "AAPL" || *bars[0].Sequence != 7 {
		t.Fatalf("bars = %+v", bars)
	}
	if bars[0].Date != domain.NaiveMillis(ts) {
		t.Fatalf("date = %d", bars[0].Date)
	}
}

func TestSafeReadBarsMissing(t *testing.T) {
	_, outcome, err := SafeReadBars(filepath.Join(t.TempDir(), "nope.parquet"))
	if outcome != OutcomeMissing || err != nil {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
}

func TestSafeReadBarsCorruptDeleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	if err := os.WriteFile(path, []byte("not a parquet file"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, outcome, err := SafeReadBars(path)
	if outcome != OutcomeCorruptDeleted {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if _, serr := os.Stat(path); !os.IsNotExist(serr) {
		t.Fatal("corrupt file should have been deleted")
	}
}

// legacyNoClose is a legacy frame missing a required column.
type legacyNoClose struct {
	Stock string  `parquet:"stock"`
	Date  int64   `parquet:"date,timestamp(millisecond)"`
	Open  float64 `parquet:"open"`
	High  float64 `parquet:"high"`
	Low   float64 `parquet:"low"`
}

func TestSafeReadBarsMissingColumnPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	writeRows(t, path, []legacyNoClose{{Stock: "AAPL", Date: 1, Open: 1, High: 2, Low: 0}})

	_, outcome, err := SafeReadBars(path)
	if outcome != OutcomePreservedSchemaMismatch || err == nil {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if _, serr := os.Stat(path); serr != nil {
		t.Fatal("schema-mismatch file must be preserved")
	}
}

// legacyIndexed is the pandas reset-index shape: no sequence column, the old
// row index serialized alongside the data.
type legacyIndexed struct {
	Index int64   `parquet:"__index_level_0__"`
	Stock string  `parquet:"stock"`
	Date  int64   `parquet:"date,timestamp(millisecond)"`
	Open  float64 `parquet:"open"`
	High  float64 `parquet:"high"`
	Low   float64 `parquet:"low"`
	Close float64 `parquet:"close"`
}

func TestIndexPromotion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	writeRows(t, path, []legacyIndexed{
		{Index: 0, Stock: "AAPL", Date: ts.UnixMilli(), Open: 1, High: 2, Low: 0, Close: 1.5},
		{Index: 1, Stock: "AAPL", Date: ts.Add(time.Minute).UnixMilli(), Open: 1, High: 2, Low: 0, Close: 1.6},
	})

	bars, outcome, err := SafeReadBars(path)
	if err != nil || outcome != OutcomeOK {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if len(bars) != 2 || bars[0].Sequence == nil || *bars[0].Sequence != 0 || *bars[1].Sequence != 1 {
		t.Fatalf("bars = %+v", bars)
	}
}

// legacyIndexColumn uses the plain "index" column name.
type legacyIndexColumn struct {
	Stock string  `parquet:"stock"`
	Date  int64   `parquet:"date,timestamp(millisecond)"`
	Open  float64 `parquet:"open"`
	High  float64 `parquet:"high"`
	Low   float64 `parquet:"low"`
	Close float64 `parquet:"close"`
	Index int64   `parquet:"index"`
}

func TestIndexColumnPromotion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	writeRows(t, path, []legacyIndexColumn{
		{Stock: "AAPL", Date: 1709251200000, Open: 1, High: 2, Low: 0, Close: 1.5, Index: 42},
	})

	bars, outcome, err := SafeReadBars(path)
	if err != nil || outcome != OutcomeOK {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if bars[0].Sequence == nil || *bars[0].Sequence != 42 {
		t.Fatalf("sequence = %v", bars[0].Sequence)
	}
}

// legacyDatetimeIndex has only a datetime-typed index as the sequence
// candidate.
type legacyDatetimeIndex struct {
	Index int64   `parquet:"__index_level_0__,timestamp(nanosecond)"`
	Stock string  `parquet:"stock"`
	Date  int64   `parquet:"date,timestamp(millisecond)"`
	Open  float64 `parquet:"open"`
	High  float64 `parquet:"high"`
	Low   float64 `parquet:"low"`
	Close float64 `parquet:"close"`
}

func TestDatetimeIndexRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	writeRows(t, path, []legacyDatetimeIndex{
		{Index: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
			Stock: "AAPL", Date: 1709251200000, Open: 1, High: 2, Low: 0, Close: 1.5},
	})

	_, outcome, _ := SafeReadBars(path)
	if outcome != OutcomePreservedSchemaMismatch {
		t.Fatalf("outcome = %s, want schema mismatch", outcome)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("rejected file must be preserved")
	}
}

func TestEpochDisguisedIndexRejected(t *testing.T) {
	// An untyped int64 index whose values are really epoch nanoseconds.
	path := filepath.Join(t.TempDir(), "data.parquet")
	writeRows(t, path, []legacyIndexed{
		{Index: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
			Stock: "AAPL", Date: 1709251200000, Open: 1, High: 2, Low: 0, Close: 1.5},
	})

	_, outcome, _ := SafeReadBars(path)
	if outcome != OutcomePreservedSchemaMismatch {
		t.Fatalf("outcome = %s, want schema mismatch", outcome)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("rejected file must be preserved")
	}
}

func TestLegacyReadMapsMismatchToEmpty(t *testing.T) {
	dir := t.TempDir()
	st := NewLegacyStore(NewPathBuilder(dir), DefaultOptions())
	req := testRequest()
	req.Market = ""
	req.Source = ""

	path := st.Paths.BarFile(req, time.Time{})
	writeRows(t, path, []legacyDatetimeIndex{
		{Index: time.Now().UnixNano(), Stock: "AAPL", Date: 1, Open: 1, High: 2, Low: 0, Close: 1.5},
	})

	bars, err := st.Read(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 0 {
		t.Fatalf("soft read returned %d bars, want 0", len(bars))
	}
	if _, serr := os.Stat(path); serr != nil {
		t.Fatal("file must survive the soft read")
	}
}
