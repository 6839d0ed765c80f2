package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql migrations_postgres.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; counter CAS relies on it as well as
	// on the version check.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertCourier(ctx context.Context, c domain.Courier) (domain.Courier, error) {
	c = c.Clone()
	c.Version = 1
	data, err := encodeJSON(c)
	if err != nil {
		return domain.Courier{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Courier{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM couriers WHERE prefix = ?`, c.Prefix).Scan(&n); err != nil {
		return domain.Courier{}, err
	}
	if n > 0 {
		return domain.Courier{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePrefix, c.Prefix)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO couriers(id, prefix, counter, version, deleted, data) VALUES(?,?,?,?,?,?)`,
		c.ID, c.Prefix, int64(c.Counter), int64(c.Version), intBool(c.Deleted), data,
	)
	if err != nil {
		return domain.Courier{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Courier{}, err
	}
	return c, nil
}

func (s *sqliteStore) UpdateCourier(ctx context.Context, c domain.Courier) (domain.Courier, error) {
	return s.swapCourier(ctx, c.ID, c.Version, domain.ErrVersionConflict, func(cur *domain.Courier) {
		prefix := cur.Prefix
		*cur = c.Clone()
		cur.Prefix = prefix
	})
}

func (s *sqliteStore) CompareAndSwapCounter(ctx context.Context, id string, expectedVersion, newCounter uint64) (domain.Courier, error) {
	return s.swapCourier(ctx, id, expectedVersion, domain.ErrAllocationConflict, func(cur *domain.Courier) {
		cur.Counter = newCounter
		cur.UpdatedAt = time.Now()
	})
}

// swapCourier applies mutate to the stored courier when its version matches.
func (s *sqliteStore) swapCourier(ctx context.Context, id string, expected uint64, conflict error, mutate func(*domain.Courier)) (domain.Courier, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Courier{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		data    []byte
		version int64
	)
	err = tx.QueryRowContext(ctx, `SELECT data, version FROM couriers WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := tx.ExecContext(ctx,
		`UPDATE couriers SET counter = ?, version = ?, deleted = ?, data = ? WHERE id = ? AND version = ?`,
		int64(cur.Counter), int64(cur.Version), intBool(cur.Deleted), enc, id, version,
	)
	if err != nil {
		return domain.Courier{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Courier{}, fmt.Errorf("courier %s: %w", id, conflict)
	}
	if err := tx.Commit(); err != nil {
		return domain.Courier{}, err
	}
	return cur, nil
}

func (s *sqliteStore) GetCourier(ctx context.Context, id string) (domain.Courier, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM couriers WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Courier{}, domain.ErrCourierNotFound
	}
	if err != nil {
		return domain.Courier{}, err
	}
	return decodeCourier(data)
}

func (s *sqliteStore) ListCouriers(ctx context.Context) ([]domain.Courier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM couriers ORDER BY prefix`)
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

func (s *sqliteStore) InsertSlip(ctx context.Context, sl domain.Slip) (domain.Slip, error) {
	sl = sl.Clone()
	sl.Version = 1
	data, err := encodeJSON(sl)
	if err != nil {
		return domain.Slip{}, err
	}
	ix := indexOf(sl)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO slips(tracking_id, courier_id, customer_id, status, notified, failed, in_flight, generated_at, version, data)
		 VALUES(?,?,?,?,?,?,?,?,?,?) ON CONFLICT(tracking_id) DO NOTHING`,
		sl.TrackingID, ix.CourierID, ix.CustomerID, ix.Status, intBool(ix.Notified), intBool(ix.Failed),
		intBool(ix.InFlight), ix.GeneratedAt, int64(sl.Version), data,
	)
	if err != nil {
		return domain.Slip{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Slip{}, fmt.Errorf("%w: %s", domain.ErrDuplicateTracking, sl.TrackingID)
	}
	return sl, nil
}

func (s *sqliteStore) UpdateSlip(ctx context.Context, sl domain.Slip) (domain.Slip, error) {
	expected := sl.Version
	sl = sl.Clone()
	sl.Version = expected + 1
	data, err := encodeJSON(sl)
	if err != nil {
		return domain.Slip{}, err
	}
	ix := indexOf(sl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE slips SET courier_id = ?, customer_id = ?, status = ?, notified = ?, failed = ?, in_flight = ?,
		 generated_at = ?, version = ?, data = ? WHERE tracking_id = ? AND version = ?`,
		ix.CourierID, ix.CustomerID, ix.Status, intBool(ix.Notified), intBool(ix.Failed), intBool(ix.InFlight),
		ix.GeneratedAt, int64(sl.Version), data, sl.TrackingID, int64(expected),
	)
	if err != nil {
		return domain.Slip{}, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return sl, nil
	}
	if _, err := s.GetSlip(ctx, sl.TrackingID); err != nil {
		return domain.Slip{}, err
	}
	return domain.Slip{}, fmt.Errorf("slip %s: %w", sl.TrackingID, domain.ErrVersionConflict)
}

func (s *sqliteStore) GetSlip(ctx context.Context, trackingID string) (domain.Slip, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM slips WHERE tracking_id = ?`, trackingID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Slip{}, domain.ErrSlipNotFound
	}
	if err != nil {
		return domain.Slip{}, err
	}
	return decodeSlip(data)
}

func (s *sqliteStore) ListSlips(ctx context.Context, f SlipFilter) ([]domain.Slip, error) {
	where, args := slipWhere(f, questionMark, intBool)
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM slips`+where+` ORDER BY generated_at, tracking_id`, args...)
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

func (s *sqliteStore) GetSettings(ctx context.Context) (domain.Settings, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *sqliteStore) PutSettings(ctx context.Context, st domain.Settings) error {
	data, err := encodeJSON(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(id, data) VALUES(1, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`, data)
	return err
}

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutMeta(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, meta) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target), intBool(e.OK),
		nullStr(e.Error), nullStr(e.Meta),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
