package store

import (
	"time"

	"tickvault/internal/config"
	"tickvault/internal/domain"
)

// Backend is the storage contract shared by both layouts.
type Backend interface {
	// Read returns the full stored frame for the request's ticker.
	Read(req BarRequest) ([]domain.Bar, error)

	// Save merges incoming with existing, deduplicates, persists, and
	// returns the merged frame.
	Save(req BarRequest, incoming, existing []domain.Bar) ([]domain.Bar, error)

	// SaveTradeBatch appends a posttrade batch to the venue-day file.
	SaveTradeBatch(trades []domain.Trade, venue string, day time.Time, market, source string) error
}

// Compile-time interface check.
var _ Backend = (*Router)(nil)

// Router dispatches between the legacy and partitioned layouts per request,
// consulting storage_config.json. There are exactly two variants; trades
// always go to the partitioned layout (they never existed in the legacy one).
type Router struct {
	State       *config.Store
	Partitioned *PartitionedStore
	Legacy      *LegacyStore
}

// NewRouter builds the standard storage stack over a working directory.
func NewRouter(state *config.Store, opts Options) *Router {
	paths := NewPathBuilder(state.DataDir())
	return &Router{
		State:       state,
		Partitioned: NewPartitionedStore(paths, opts),
		Legacy:      NewLegacyStore(paths, opts),
	}
}

func (r *Router) partitionedFor(market, source string) bool {
	cfg, err := r.State.StorageConfig()
	if err != nil {
		return false
	}
	return cfg.PartitionedFor(market, source)
}

// Read dispatches to the layout configured for the request's market/source.
func (r *Router) Read(req BarRequest) ([]domain.Bar, error) {
	if r.partitionedFor(req.Market, req.Source) {
		return r.Partitioned.Read(req)
	}
	return r.Legacy.Read(req)
}

// Save dispatches to the layout configured for the request's market/source.
func (r *Router) Save(req BarRequest, incoming, existing []domain.Bar) ([]domain.Bar, error) {
	if r.partitionedFor(req.Market, req.Source) {
		return r.Partitioned.Save(req, incoming, existing)
	}
	return r.Legacy.Save(req, incoming, existing)
}

// SaveTradeBatch always lands in the partitioned trades layout.
func (r *Router) SaveTradeBatch(trades []domain.Trade, venue string, day time.Time, market, source string) error {
	return r.Partitioned.SaveTradeBatch(trades, venue, day, market, source)
}
