// Package migrate moves legacy per-ticker Parquet files into the partitioned
// layout under a persisted, resumable plan, verifying every ticker by row
// count and checksum before legacy data may be deleted.
package migrate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"tickvault/internal/domain"
)

// FrameChecksum digests a bar frame independent of input row order: rows are
// sorted by (stock, date) and each column value is folded in with a canonical
// byte encoding. Strings are length-prefixed UTF-8, numerics are 8-byte
// little-endian, and nullable columns carry a presence byte.
func FrameChecksum(bars []domain.Bar) string {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Stock != sorted[j].Stock {
			return sorted[i].Stock < sorted[j].Stock
		}
		return sorted[i].Date < sorted[j].Date
	})

	h := sha256.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	writeString := func(s string) {
		writeInt(int64(len(s)))
		h.Write([]byte(s))
	}
	writeOptInt := func(v *int64) {
		if v == nil {
			h.Write([]byte{0})
			return
		}
		h.Write([]byte{1})
		writeInt(*v)
	}

	for _, b := range sorted {
		writeString(b.Stock)
		writeInt(b.Date)
		writeFloat(b.Open)
		writeFloat(b.High)
		writeFloat(b.Low)
		writeFloat(b.Close)
		writeOptInt(b.Volume)
		writeOptInt(b.Sequence)
	}
	return hex.EncodeToString(h.Sum(nil))
}
