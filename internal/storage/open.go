package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"
)

// Store is the persistence API used by the registry, slip service and scheduler.
//
// Couriers:
//   - InsertCourier fails with domain.ErrDuplicatePrefix if the prefix was ever used.
//   - UpdateCourier and CompareAndSwapCounter only apply when the stored Version
//     equals the expected one, and return the stored record with Version+1.
//
// Slips follow the same version rule via UpdateSlip.
type Store interface {
	InsertCourier(ctx context.Context, c domain.Courier) (domain.Courier, error)
	UpdateCourier(ctx context.Context, c domain.Courier) (domain.Courier, error)
	GetCourier(ctx context.Context, id string) (domain.Courier, error)
	ListCouriers(ctx context.Context) ([]domain.Courier, error)
	// CompareAndSwapCounter sets Counter=newCounter if Version==expectedVersion,
	// otherwise fails with domain.ErrAllocationConflict. The write is durable
	// when it returns nil.
	CompareAndSwapCounter(ctx context.Context, id string, expectedVersion, newCounter uint64) (domain.Courier, error)

	InsertSlip(ctx context.Context, s domain.Slip) (domain.Slip, error)
	UpdateSlip(ctx context.Context, s domain.Slip) (domain.Slip, error)
	GetSlip(ctx context.Context, trackingID string) (domain.Slip, error)
	ListSlips(ctx context.Context, f SlipFilter) ([]domain.Slip, error)

	GetSettings(ctx context.Context) (domain.Settings, bool, error)
	PutSettings(ctx context.Context, s domain.Settings) error

	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// sortSlips orders by GeneratedAt then TrackingID, the order every driver returns.
func sortSlips(out []domain.Slip) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.Before(out[j].GeneratedAt)
		}
		return out[i].TrackingID < out[j].TrackingID
	})
}

func sortCouriers(out []domain.Courier) {
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
}
