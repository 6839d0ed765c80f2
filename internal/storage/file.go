package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"
)

// fileStore keeps the whole dataset in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot, written via tmp + rename)
//   - <prefix>.journal.jsonl (append-only, fsynced per record)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//
// The journal is compacted into the snapshot every compactEvery records.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	state   fileState
	writes  int
	compact int
}

type fileState struct {
	Couriers map[string]domain.Courier `json:"couriers"`
	Slips    map[string]domain.Slip    `json:"slips"`
	Settings *domain.Settings          `json:"settings,omitempty"`
	Meta     map[string]string         `json:"meta"`
}

// journalRecord is one upsert. Exactly one payload is set.
type journalRecord struct {
	Courier  *domain.Courier  `json:"courier,omitempty"`
	Slip     *domain.Slip     `json:"slip,omitempty"`
	Settings *domain.Settings `json:"settings,omitempty"`
	MetaKey  string           `json:"meta_key,omitempty"`
	MetaVal  string           `json:"meta_val,omitempty"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
		compact:      compactEvery,
	}, nil
}

func newFileState() fileState {
	return fileState{
		Couriers: map[string]domain.Courier{},
		Slips:    map[string]domain.Slip{},
		Meta:     map[string]string{},
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) InsertCourier(ctx context.Context, c domain.Courier) (domain.Courier, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Couriers[c.ID]; ok {
		return domain.Courier{}, fmt.Errorf("courier %s already exists", c.ID)
	}
	for _, ex := range s.state.Couriers {
		if ex.Prefix == c.Prefix {
			return domain.Courier{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePrefix, c.Prefix)
		}
	}
	c = c.Clone()
	c.Version = 1
	if err := s.appendLocked(journalRecord{Courier: &c}); err != nil {
		return domain.Courier{}, err
	}
	s.state.Couriers[c.ID] = c
	return c.Clone(), nil
}

func (s *fileStore) UpdateCourier(ctx context.Context, c domain.Courier) (domain.Courier, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Couriers[c.ID]
	if !ok {
		return domain.Courier{}, domain.ErrCourierNotFound
	}
	if cur.Version != c.Version {
		return domain.Courier{}, fmt.Errorf("courier %s: %w", c.ID, domain.ErrVersionConflict)
	}
	c = c.Clone()
	c.Prefix = cur.Prefix
	c.Version = cur.Version + 1
	if err := s.appendLocked(journalRecord{Courier: &c}); err != nil {
		return domain.Courier{}, err
	}
	s.state.Couriers[c.ID] = c
	return c.Clone(), nil
}

func (s *fileStore) CompareAndSwapCounter(ctx context.Context, id string, expectedVersion, newCounter uint64) (domain.Courier, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Couriers[id]
	if !ok {
		return domain.Courier{}, domain.ErrCourierNotFound
	}
	if cur.Version != expectedVersion {
		return domain.Courier{}, fmt.Errorf("courier %s version %d != %d: %w", id, cur.Version, expectedVersion, domain.ErrAllocationConflict)
	}
	next := cur.Clone()
	next.Counter = newCounter
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	if err := s.appendLocked(journalRecord{Courier: &next}); err != nil {
		return domain.Courier{}, err
	}
	s.state.Couriers[id] = next
	return next.Clone(), nil
}

func (s *fileStore) GetCourier(ctx context.Context, id string) (domain.Courier, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Couriers[id]
	if !ok {
		return domain.Courier{}, domain.ErrCourierNotFound
	}
	return c.Clone(), nil
}

func (s *fileStore) ListCouriers(ctx context.Context) ([]domain.Courier, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]domain.Courier, 0, len(s.state.Couriers))
	for _, c := range s.state.Couriers {
		out = append(out, c.Clone())
	}
	s.mu.Unlock()
	sortCouriers(out)
	return out, nil
}

func (s *fileStore) InsertSlip(ctx context.Context, sl domain.Slip) (domain.Slip, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Slips[sl.TrackingID]; ok {
		return domain.Slip{}, fmt.Errorf("%w: %s", domain.ErrDuplicateTracking, sl.TrackingID)
	}
	sl = sl.Clone()
	sl.Version = 1
	if err := s.appendLocked(journalRecord{Slip: &sl}); err != nil {
		return domain.Slip{}, err
	}
	s.state.Slips[sl.TrackingID] = sl
	return sl.Clone(), nil
}

func (s *fileStore) UpdateSlip(ctx context.Context, sl domain.Slip) (domain.Slip, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Slips[sl.TrackingID]
	if !ok {
		return domain.Slip{}, domain.ErrSlipNotFound
	}
	if cur.Version != sl.Version {
		return domain.Slip{}, fmt.Errorf("slip %s: %w", sl.TrackingID, domain.ErrVersionConflict)
	}
	sl = sl.Clone()
	sl.Version = cur.Version + 1
	if err := s.appendLocked(journalRecord{Slip: &sl}); err != nil {
		return domain.Slip{}, err
	}
	s.state.Slips[sl.TrackingID] = sl
	return sl.Clone(), nil
}

func (s *fileStore) GetSlip(ctx context.Context, trackingID string) (domain.Slip, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.state.Slips[trackingID]
	if !ok {
		return domain.Slip{}, domain.ErrSlipNotFound
	}
	return sl.Clone(), nil
}

func (s *fileStore) ListSlips(ctx context.Context, f SlipFilter) ([]domain.Slip, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]domain.Slip, 0)
	for _, sl := range s.state.Slips {
		if f.Match(sl) {
			out = append(out, sl.Clone())
		}
	}
	s.mu.Unlock()
	sortSlips(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) GetSettings(ctx context.Context) (domain.Settings, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Settings == nil {
		return domain.Settings{}, false, nil
	}
	return *s.state.Settings, true, nil
}

func (s *fileStore) PutSettings(ctx context.Context, st domain.Settings) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Settings: &st}); err != nil {
		return err
	}
	s.state.Settings = &st
	return nil
}

func (s *fileStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.Meta[key]
	return v, ok, nil
}

func (s *fileStore) PutMeta(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{MetaKey: key, MetaVal: value}); err != nil {
		return err
	}
	s.state.Meta[key] = value
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// appendLocked writes and fsyncs one journal record before the caller mutates
// in-memory state, so nothing is observable before it is durable.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journalFile.Write(b); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.compact > 0 && s.writes%s.compact == 0 {
		// Best-effort compact; the journal still holds everything on failure.
		applyRecord(&s.state, rec)
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Couriers {
		out.Couriers[k] = v
	}
	for k, v := range st.Slips {
		out.Slips[k] = v
	}
	for k, v := range st.Meta {
		out.Meta[k] = v
	}
	out.Settings = st.Settings
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn tail write after a crash; the caller never saw it succeed.
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}

func applyRecord(st *fileState, r journalRecord) {
	switch {
	case r.Courier != nil:
		st.Couriers[r.Courier.ID] = r.Courier.Clone()
	case r.Slip != nil:
		st.Slips[r.Slip.TrackingID] = r.Slip.Clone()
	case r.Settings != nil:
		v := *r.Settings
		st.Settings = &v
	case r.MetaKey != "":
		st.Meta[r.MetaKey] = r.MetaVal
	}
}
