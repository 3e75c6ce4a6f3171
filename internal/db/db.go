package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlivetrack/livetrack/internal/config"
)

// Pools bundles the primary connection pool with an optional read
// replica. Writers always use the primary; readers prefer the replica.
type Pools struct {
	Primary *pgxpool.Pool
	Replica *pgxpool.Pool
}

// Connect establishes the primary pool and, if configured, the replica
// pool, verifying both with a ping.
func Connect(ctx context.Context, cfg config.DB) (*Pools, error) {
	primary, err := connect(ctx, cfg.PrimaryURL, cfg.MaxConns)
	if err != nil {
		return nil, err
	}

	pools := &Pools{Primary: primary}
	if cfg.ReplicaURL != "" {
		replica, err := connect(ctx, cfg.ReplicaURL, cfg.MaxConns)
		if err != nil {
			primary.Close()
			return nil, err
		}
		pools.Replica = replica
	}
	return pools, nil
}

func connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = int32(maxConns)
	// Pre-ping before handing out connections; cellular-grade links to
	// managed Postgres drop TLS sessions under us.
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Read returns the pool reads should use: the replica when configured,
// otherwise the primary.
func (p *Pools) Read() *pgxpool.Pool {
	if p.Replica != nil {
		return p.Replica
	}
	return p.Primary
}

// Close releases both pools.
func (p *Pools) Close() {
	if p.Replica != nil {
		p.Replica.Close()
	}
	p.Primary.Close()
}
