package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := &pgStore{db: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

func (s *pgStore) InsertCourier(ctx context.Context, c domain.Courier) (domain.Courier, error) {
	c = c.Clone()
	c.Version = 1
	data, err := encodeJSON(c)
	if err != nil {
		return domain.Courier{}, err
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO couriers (id, prefix, counter, version, deleted, data)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		c.ID, c.Prefix, int64(c.Counter), int64(c.Version), c.Deleted, data,
	)
	if err != nil {
		return domain.Courier{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCourier(ctx, c.ID); err == nil {
			return domain.Courier{}, fmt.Errorf("courier %s already exists", c.ID)
		}
		return domain.Courier{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePrefix, c.Prefix)
	}
	return c, nil
}

func (s *pgStore) UpdateCourier(ctx context.Context, c domain.Courier) (domain.Courier, error) {
	return s.swapCourier(ctx, c.ID, c.Version, domain.ErrVersionConflict, func(cur *domain.Courier) {
		prefix := cur.Prefix
		*cur = c.Clone()
		cur.Prefix = prefix
	})
}

func (s *pgStore) CompareAndSwapCounter(ctx context.Context, id string, expectedVersion, newCounter uint64) (domain.Courier, error) {
	return s.swapCourier(ctx, id, expectedVersion, domain.ErrAllocationConflict, func(cur *domain.Courier) {
		cur.Counter = newCounter
		cur.UpdatedAt = time.Now()
	})
}

func (s *pgStore) swapCourier(ctx context.Context, id string, expected uint64, conflict error, mutate func(*domain.Courier)) (domain.Courier, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Courier{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		data    []byte
		version int64
	)
	err = tx.QueryRow(ctx, `SELECT data, version FROM couriers WHERE id = $1 FOR UPDATE`, id).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Courier{}, domain.ErrCourierNotFound
	}
	if err != nil {
		return domain.Courier{}, err
	}
	if uint64(version) != expected {
		return domain.Courier{}, fmt.Errorf("courier %s version %d != %d: %w", id, version, expected, conflict)
	}
	cur, err := decodeCourier(data)
	if err != nil {
		return domain.Courier{}, err
	}
	mutate(&cur)
	cur.ID = id
	cur.Version = uint64(version) + 1
	enc, err := encodeJSON(cur)
	if err != nil {
		return domain.Courier{}, err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE couriers SET counter = $1, version = $2, deleted = $3, data = $4 WHERE id = $5 AND version = $6`,
		int64(cur.Counter), int64(cur.Version), cur.Deleted, enc, id, version,
	)
	if err != nil {
		return domain.Courier{}, err
	}
	if tag.RowsAffected() != 1 {
		return domain.Courier{}, fmt.Errorf("courier %s: %w", id, conflict)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Courier{}, err
	}
	return cur, nil
}

func (s *pgStore) GetCourier(ctx context.Context, id string) (domain.Courier, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM couriers WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Courier{}, domain.ErrCourierNotFound
	}
	if err != nil {
		return domain.Courier{}, err
	}
	return decodeCourier(data)
}

func (s *pgStore) ListCouriers(ctx context.Context) ([]domain.Courier, error) {
	rows, err := s.db.Query(ctx, `SELECT data FROM couriers ORDER BY prefix`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Courier
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		c, err := decodeCourier(data)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgStore) InsertSlip(ctx context.Context, sl domain.Slip) (domain.Slip, error) {
	sl = sl.Clone()
	sl.Version = 1
	data, err := encodeJSON(sl)
	if err != nil {
		return domain.Slip{}, err
	}
	ix := indexOf(sl)
	tag, err := s.db.Exec(ctx,
		`INSERT INTO slips (tracking_id, courier_id, customer_id, status, notified, failed, in_flight, generated_at, version, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (tracking_id) DO NOTHING`,
		sl.TrackingID, ix.CourierID, ix.CustomerID, ix.Status, ix.Notified, ix.Failed, ix.InFlight,
		ix.GeneratedAt, int64(sl.Version), data,
	)
	if err != nil {
		return domain.Slip{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Slip{}, fmt.Errorf("%w: %s", domain.ErrDuplicateTracking, sl.TrackingID)
	}
	return sl, nil
}

func (s *pgStore) UpdateSlip(ctx context.Context, sl domain.Slip) (domain.Slip, error) {
	expected := sl.Version
	sl = sl.Clone()
	sl.Version = expected + 1
	data, err := encodeJSON(sl)
	if err != nil {
		return domain.Slip{}, err
	}
	ix := indexOf(sl)
	tag, err := s.db.Exec(ctx,
		`UPDATE slips SET courier_id = $1, customer_id = $2, status = $3, notified = $4, failed = $5, in_flight = $6,
		 generated_at = $7, version = $8, data = $9 WHERE tracking_id = $10 AND version = $11`,
		ix.CourierID, ix.CustomerID, ix.Status, ix.Notified, ix.Failed, ix.InFlight,
		ix.GeneratedAt, int64(sl.Version), data, sl.TrackingID, int64(expected),
	)
	if err != nil {
		return domain.Slip{}, err
	}
	if tag.RowsAffected() == 1 {
		return sl, nil
	}
	if _, err := s.GetSlip(ctx, sl.TrackingID); err != nil {
		return domain.Slip{}, err
	}
	return domain.Slip{}, fmt.Errorf("slip %s: %w", sl.TrackingID, domain.ErrVersionConflict)
}

func (s *pgStore) GetSlip(ctx context.Context, trackingID string) (domain.Slip, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM slips WHERE tracking_id = $1`, trackingID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Slip{}, domain.ErrSlipNotFound
	}
	if err != nil {
		return domain.Slip{}, err
	}
	return decodeSlip(data)
}

func (s *pgStore) ListSlips(ctx context.Context, f SlipFilter) ([]domain.Slip, error) {
	where, args := slipWhere(f, dollar, plainBool)
	rows, err := s.db.Query(ctx, `SELECT data FROM slips`+where+` ORDER BY generated_at, tracking_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Slip
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sl, err := decodeSlip(data)
		if err != nil {
			return nil, err
		}
		if !f.Match(sl) {
			continue
		}
		out = append(out, sl)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *pgStore) GetSettings(ctx context.Context) (domain.Settings, bool, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Settings{}, false, nil
	}
	if err != nil {
		return domain.Settings{}, false, err
	}
	st, err := decodeSettings(data)
	if err != nil {
		return domain.Settings{}, false, err
	}
	return st, true, nil
}

func (s *pgStore) PutSettings(ctx context.Context, st domain.Settings) error {
	data, err := encodeJSON(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO settings (id, data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data)
	return err
}

func (s *pgStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *pgStore) PutMeta(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	return err
}

func (s *pgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit (at, actor, action, target, ok, err, meta) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.At, nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.Meta),
	)
	return err
}
