package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"tickvault/internal/domain"
)

// Outcome classifies the result of a safe Parquet read.
type Outcome int

const (
	// OutcomeOK means the file decoded into the expected schema, possibly
	// after index promotion.
	OutcomeOK Outcome = iota
	// OutcomeMissing means the file does not exist.
	OutcomeMissing
	// OutcomeCorruptDeleted means the file was not readable as Parquet and
	// has been deleted.
	OutcomeCorruptDeleted
	// OutcomePreservedEmpty means the file decoded but holds no rows; it is
	// left in place.
	OutcomePreservedEmpty
	// OutcomePreservedSchemaMismatch means required columns are missing and
	// recovery failed; the file is left in place.
	OutcomePreservedSchemaMismatch
	// OutcomePreservedNormalizeFailed means a value could not be converted
	// to the expected type; the file is left in place.
	OutcomePreservedNormalizeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeMissing:
		return "missing"
	case OutcomeCorruptDeleted:
		return "corrupt-deleted"
	case OutcomePreservedEmpty:
		return "preserved-empty"
	case OutcomePreservedSchemaMismatch:
		return "preserved-schema-mismatch"
	case OutcomePreservedNormalizeFailed:
		return "preserved-normalize-failed"
	}
	return "unknown"
}

// requiredBarColumns must be present (or recoverable) for a bar file read to
// succeed. The sequence column may be recovered by index promotion.
var requiredBarColumns = []string{"stock", "date", "open", "high", "low", "close"}

// indexCandidates are legacy column names considered for promotion to
// sequence, in priority order. "__index_level_0__" is how a serialized
// dataframe index appears on disk.
var indexCandidates = []string{"__index_level_0__", "index"}

type leafCol struct {
	index int
	node  parquet.Node
}

// SafeReadBars reads a bar Parquet file tolerating the legacy schema
// variants. The disposition rules: unreadable files are deleted, every other
// failure preserves the file. Missing sequence columns are recovered by
// promoting a numeric, non-datetime, non-epoch index column.
func SafeReadBars(path string) ([]domain.Bar, Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, OutcomeMissing, nil
		}
		// Unreadable at the I/O level: treat as corrupt.
		os.Remove(path)
		return nil, OutcomeCorruptDeleted, fmt.Errorf("unreadable file %s deleted: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, OutcomePreservedNormalizeFailed, fmt.Errorf("stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, OutcomeCorruptDeleted, fmt.Errorf("corrupt parquet %s deleted: %w", path, err)
	}

	if pf.NumRows() == 0 {
		return nil, OutcomePreservedEmpty, nil
	}

	schema := pf.Schema()

	cols := make(map[string]leafCol)
	var missing []string
	for _, name := range requiredBarColumns {
		leaf, ok := schema.Lookup(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		cols[name] = leafCol{index: leaf.ColumnIndex, node: leaf.Node}
	}
	if len(missing) > 0 {
		return nil, OutcomePreservedSchemaMismatch,
			fmt.Errorf("%s: missing required columns %v", path, missing)
	}

	// Optional columns.
	if leaf, ok := schema.Lookup("volume"); ok {
		cols["volume"] = leafCol{index: leaf.ColumnIndex, node: leaf.Node}
	}

	seq, seqOK := schema.Lookup("sequence")
	seqCol := leafCol{index: -1}
	if seqOK {
		seqCol = leafCol{index: seq.ColumnIndex, node: seq.Node}
	} else {
		// Recovery: promote a numeric index column to sequence. Datetime
		// columns are never promoted.
		for _, cand := range indexCandidates {
			leaf, ok := schema.Lookup(cand)
			if !ok {
				continue
			}
			if isDatetimeNode(leaf.Node) || !isIntegerNode(leaf.Node) {
				return nil, OutcomePreservedSchemaMismatch,
					fmt.Errorf("%s: no sequence column and index column %q is not promotable", path, cand)
			}
			seqCol = leafCol{index: leaf.ColumnIndex, node: leaf.Node}
			break
		}
		if seqCol.index < 0 {
			return nil, OutcomePreservedSchemaMismatch,
				fmt.Errorf("%s: no sequence column and no promotable index", path)
		}
	}

	bars, err := decodeBarRows(pf, cols, seqCol)
	if err != nil {
		return nil, OutcomePreservedNormalizeFailed, fmt.Errorf("%s: %w", path, err)
	}

	if !seqOK {
		// Epoch guard: an integer index whose values round-trip to years
		// >= 2000 when read as epoch nanoseconds is a disguised timestamp
		// and must not become a sequence.
		for _, b := range bars {
			if b.Sequence != nil && time.Unix(0, *b.Sequence).UTC().Year() >= 2000 {
				return nil, OutcomePreservedSchemaMismatch,
					fmt.Errorf("%s: index column holds epoch-like values, refusing promotion", path)
			}
		}
	}

	return bars, OutcomeOK, nil
}

func decodeBarRows(pf *parquet.File, cols map[string]leafCol, seqCol leafCol) ([]domain.Bar, error) {
	bars := make([]domain.Bar, 0, pf.NumRows())
	buf := make([]parquet.Row, 256)

	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				bar, derr := decodeBarRow(buf[i], cols, seqCol)
				if derr != nil {
					rows.Close()
					return nil, derr
				}
				bars = append(bars, bar)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				rows.Close()
				return nil, err
			}
			if n == 0 {
				break
			}
		}
		rows.Close()
	}
	return bars, nil
}

func decodeBarRow(row parquet.Row, cols map[string]leafCol, seqCol leafCol) (domain.Bar, error) {
	var bar domain.Bar
	for _, v := range row {
		ci := v.Column()
		switch {
		case ci == cols["stock"].index:
			if v.IsNull() {
				return bar, fmt.Errorf("null stock value")
			}
			bar.Stock = v.String()
		case ci == cols["date"].index:
			ms, err := timestampMillis(v, cols["date"].node)
			if err != nil {
				return bar, fmt.Errorf("date column: %w", err)
			}
			bar.Date = ms
		case ci == cols["open"].index:
			bar.Open = numericValue(v)
		case ci == cols["high"].index:
			bar.High = numericValue(v)
		case ci == cols["low"].index:
			bar.Low = numericValue(v)
		case ci == cols["close"].index:
			bar.Close = numericValue(v)
		case hasCol(cols, "volume") && ci == cols["volume"].index:
			if !v.IsNull() {
				bar.Volume = domain.Int64Ptr(integerValue(v))
			}
		case ci == seqCol.index:
			if !v.IsNull() {
				bar.Sequence = domain.Int64Ptr(integerValue(v))
			}
		}
	}
	return bar, nil
}

func hasCol(cols map[string]leafCol, name string) bool {
	_, ok := cols[name]
	return ok
}

func numericValue(v parquet.Value) float64 {
	switch v.Kind() {
	case parquet.Double:
		return v.Double()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Int64:
		return float64(v.Int64())
	case parquet.Int32:
		return float64(v.Int32())
	default:
		return 0
	}
}

func integerValue(v parquet.Value) int64 {
	switch v.Kind() {
	case parquet.Int64:
		return v.Int64()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Double:
		return int64(v.Double())
	case parquet.Float:
		return int64(v.Float())
	default:
		return 0
	}
}

// timestampMillis converts a timestamp value to naive Unix milliseconds,
// normalizing whatever unit the file declares.
func timestampMillis(v parquet.Value, node parquet.Node) (int64, error) {
	lt := logicalType(node)
	switch {
	case lt != nil && lt.Timestamp != nil:
		u := lt.Timestamp.Unit
		switch {
		case u.Nanos != nil:
			return v.Int64() / int64(time.Millisecond), nil
		case u.Micros != nil:
			return v.Int64() / 1000, nil
		default:
			return v.Int64(), nil
		}
	case lt != nil && lt.Date != nil:
		return int64(v.Int32()) * 24 * int64(time.Hour/time.Millisecond), nil
	case v.Kind() == parquet.Int64:
		// No logical annotation; assume milliseconds.
		return v.Int64(), nil
	default:
		return 0, fmt.Errorf("unsupported timestamp encoding (kind %s)", v.Kind())
	}
}

func logicalType(node parquet.Node) *format.LogicalType {
	if node == nil {
		return nil
	}
	t := node.Type()
	if t == nil {
		return nil
	}
	return t.LogicalType()
}

func isDatetimeNode(node parquet.Node) bool {
	lt := logicalType(node)
	return lt != nil && (lt.Timestamp != nil || lt.Date != nil)
}

func isIntegerNode(node parquet.Node) bool {
	if isDatetimeNode(node) {
		return false
	}
	t := node.Type()
	if t == nil {
		return false
	}
	switch t.Kind() {
	case parquet.Int64, parquet.Int32:
		return true
	default:
		return false
	}
}
