package migrate

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// ErrInsufficientDisk is surfaced before any write when the estimator says
// the partition root cannot hold the migrated data.
var ErrInsufficientDisk = errors.New("insufficient disk space for migration")

// partitionOverhead is the assumed partitioned-vs-legacy size ratio.
const partitionOverhead = 1.05

// SpaceCheck is the disk estimator's verdict.
type SpaceCheck struct {
	LegacyBytes          uint64
	RequiredBytes        uint64
	FreeBytes            uint64
	Sufficient           bool
	SufficientWithDelete bool
}

// dirBytes sums regular-file sizes under dir. A missing dir counts as zero.
func dirBytes(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, ierr := d.Info()
			if ierr != nil {
				return ierr
			}
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

// freeBytes reports free space on the filesystem holding path, walking up to
// the nearest existing ancestor first.
func freeBytes(path string) (uint64, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	for {
		if _, serr := os.Stat(p); serr == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(p, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// EstimateSpace checks whether the partition root can hold the migrated copy
// of legacyDir. With delete-legacy enabled, space freed by unlinking legacy
// files offsets the requirement.
func EstimateSpace(legacyDir, partitionRoot string) (SpaceCheck, error) {
	legacy, err := dirBytes(legacyDir)
	if err != nil {
		return SpaceCheck{}, err
	}
	free, err := freeBytes(partitionRoot)
	if err != nil {
		return SpaceCheck{}, err
	}
	required := uint64(float64(legacy) * partitionOverhead)
	return SpaceCheck{
		LegacyBytes:          legacy,
		RequiredBytes:        required,
		FreeBytes:            free,
		Sufficient:           free >= required,
		SufficientWithDelete: free+legacy >= required,
	}, nil
}
