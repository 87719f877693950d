package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is the plan document version this code reads and writes.
const SchemaVersion = 1

// Interval migration statuses.
const (
	StatusPending   = "pending"
	StatusMigrating = "migrating"
	StatusComplete  = "complete"
)

// VerificationMethod is recorded on every completed interval.
const VerificationMethod = "row_counts+checksum"

// ErrNoPlan is returned when migration_plan.json does not exist.
var ErrNoPlan = errors.New("no migration plan; run partition-migrate init first")

// Jobs tracks per-ticker progress within one interval.
type Jobs struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Totals accumulates verified row counts.
type Totals struct {
	LegacyRows    int64 `json:"legacy_rows"`
	PartitionRows int64 `json:"partition_rows"`
}

// Verification records how and when an interval was verified.
type Verification struct {
	Method     string `json:"method"`
	VerifiedAt string `json:"verified_at,omitempty"`
}

// IntervalPlan is the migration state for one (venue, interval).
type IntervalPlan struct {
	LegacyPath    string       `json:"legacy_path"`
	PartitionPath string       `json:"partition_path"`
	Status        string       `json:"status"`
	Jobs          Jobs         `json:"jobs"`
	Totals        Totals       `json:"totals"`
	ResumeToken   string       `json:"resume_token,omitempty"`
	Verification  Verification `json:"verification"`
	Backups       []string     `json:"backups"`
}

// VenuePlan groups intervals for one "market/source" venue key.
type VenuePlan struct {
	Intervals map[string]*IntervalPlan `json:"intervals"`
}

// Plan is the whole migration_plan.json document. Every mutation must be
// followed by Save before the next unit of work starts, so a crash leaves the
// file a faithful lower bound on progress.
type Plan struct {
	SchemaVersion int                   `json:"schema_version"`
	GeneratedAt   string                `json:"generated_at"`
	CreatedBy     string                `json:"created_by"`
	LegacyRoot    string                `json:"legacy_root"`
	Venues        map[string]*VenuePlan `json:"venues"`

	path string
}

func planPath(root string) string {
	return filepath.Join(root, "migration_plan.json")
}

// NewPlan creates an empty plan document for the working directory.
func NewPlan(root, legacyRoot string) *Plan {
	host, _ := os.Hostname()
	return &Plan{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		CreatedBy:     fmt.Sprintf("tickvault@%s", host),
		LegacyRoot:    legacyRoot,
		Venues:        make(map[string]*VenuePlan),
		path:          planPath(root),
	}
}

// LoadPlan reads migration_plan.json. A missing file is ErrNoPlan.
func LoadPlan(root string) (*Plan, error) {
	path := planPath(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPlan
		}
		return nil, fmt.Errorf("reading migration plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing migration plan: %w", err)
	}
	if p.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported plan schema_version %d", p.SchemaVersion)
	}
	if p.Venues == nil {
		p.Venues = make(map[string]*VenuePlan)
	}
	p.path = path
	return &p, nil
}

// Save rewrites the plan in full.
func (p *Plan) Save() error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o644)
}

// Interval returns the plan entry for (venue, interval), creating a pending
// one if absent.
func (p *Plan) Interval(venue, interval string) *IntervalPlan {
	vp, ok := p.Venues[venue]
	if !ok {
		vp = &VenuePlan{Intervals: make(map[string]*IntervalPlan)}
		p.Venues[venue] = vp
	}
	if vp.Intervals == nil {
		vp.Intervals = make(map[string]*IntervalPlan)
	}
	ip, ok := vp.Intervals[interval]
	if !ok {
		ip = &IntervalPlan{Status: StatusPending, Backups: []string{}}
		vp.Intervals[interval] = ip
	}
	return ip
}

// Lookup returns the plan entry without creating it.
func (p *Plan) Lookup(venue, interval string) *IntervalPlan {
	vp, ok := p.Venues[venue]
	if !ok || vp.Intervals == nil {
		return nil
	}
	return vp.Intervals[interval]
}

// AllComplete reports whether every interval of the venue is complete and
// verified.
func (p *Plan) AllComplete(venue string) bool {
	vp, ok := p.Venues[venue]
	if !ok || len(vp.Intervals) == 0 {
		return false
	}
	for _, ip := range vp.Intervals {
		if ip.Status != StatusComplete || ip.Verification.VerifiedAt == "" {
			return false
		}
	}
	return true
}
