package stores

import (
	"context"
	"time"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// Config tunes the SQLite connection pool. Zero values take defaults;
// Path ":memory:" pins the pool to one connection.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// Store is the full persistence contract: the operations the deployment
// update core consumes plus lifecycle and operator queries.
type Store interface {
	engine.Storage

	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Operator queries
	ListExecutions(ctx context.Context, deploymentID string, limit, offset int) ([]*engine.Execution, error)
	ListAuditEntries(ctx context.Context, entityType, entityID string, limit, offset int) ([]*engine.AuditEntry, error)
}

// Maximum and default page sizes for update listings.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// sortColumns maps accepted sort fields to columns.
var sortColumns = map[string]string{
	"":           "created_at",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"id":         "id",
	"state":      "state",
}

var _ Store = (*SQLiteStore)(nil)
