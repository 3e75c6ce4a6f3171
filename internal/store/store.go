package store

import (
	"context"
	"time"

	"github.com/openlivetrack/livetrack/internal/db"
)

// Point tables. The writer picks one per queue family.
const (
	TableLivePoints     = "livetrack.live_track_points"
	TableUploadedPoints = "livetrack.uploaded_track_points"
)

// Store is the repository over the time-partitioned relational schema.
// Reads go to the replica pool when one is configured; writes always
// hit the primary.
type Store struct {
	pools        *db.Pools
	queryTimeout time.Duration
}

// New wraps the connection pools.
func New(pools *db.Pools, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Store{pools: pools, queryTimeout: queryTimeout}
}

// Ping verifies the primary connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.pools.Primary.Ping(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}
