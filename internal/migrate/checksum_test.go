package migrate

import (
	"testing"
	"time"

	"tickvault/internal/domain"
)

func testBar(stock string, ts time.Time, close float64, seq *int64) domain.Bar {
	return domain.Bar{
		Stock:    stock,
		Date:     domain.NaiveMillis(ts),
		Open:     close - 1,
		High:     close + 1,
		Low:      close - 2,
		Close:    close,
		Volume:   domain.Int64Ptr(1000),
		Sequence: seq,
	}
}

func TestChecksumOrderIndependent(t *testing.T) {
	a := testBar("AAA", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10, nil)
	b := testBar("AAA", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), 20, nil)

	if FrameChecksum([]domain.Bar{a, b}) != FrameChecksum([]domain.Bar{b, a}) {
		t.Fatal("checksum must not depend on row order")
	}
}

func TestChecksumSensitivity(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	base := []domain.Bar{testBar("AAA", ts, 10, nil)}

	changedPrice := []domain.Bar{testBar("AAA", ts, 11, nil)}
	if FrameChecksum(base) == FrameChecksum(changedPrice) {
		t.Fatal("price change must change the checksum")
	}

	changedSeq := []domain.Bar{testBar("AAA", ts, 10, domain.Int64Ptr(0))}
	if FrameChecksum(base) == FrameChecksum(changedSeq) {
		t.Fatal("null and zero sequence must digest differently")
	}
}

func TestChecksumEmpty(t *testing.T) {
	if FrameChecksum(nil) != FrameChecksum([]domain.Bar{}) {
		t.Fatal("nil and empty frames are the same")
	}
}
