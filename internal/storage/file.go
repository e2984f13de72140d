package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lovebot/internal/schedule"
	logx "lovebot/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore keeps all records in memory and persists them in two files:
//   - <prefix>.deliveries.journal.jsonl  (append-only, one full record per line)
//   - <prefix>.deliveries.snapshot.json  (periodic snapshot)
//
// Every journal append is fsync'd before the in-memory state changes. Each
// entry carries a sequence number so replaying a journal that survived a
// compaction never rolls a record back.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	journalSize  int64

	records map[string]entry
	seq     uint64

	writes       int
	compactEvery int
}

type entry struct {
	Seq uint64 `json:"seq"`
	Record
}

type snapshot struct {
	Seq     uint64  `json:"seq"`
	Records []entry `json:"records"`
}

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
		return nil, ioErr("open", "", err)
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".deliveries.snapshot.json",
		records:      map[string]entry{},
		compactEvery: cfg.CompactEvery,
	}
	if s.compactEvery <= 0 {
		s.compactEvery = defaultCompactEvery
	}

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, ioErr("load snapshot", "", err)
	}

	jf, err := os.OpenFile(prefix+".deliveries.journal.jsonl", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, ioErr("open journal", "", err)
	}
	size, err := s.replay(jf)
	if err != nil {
		_ = jf.Close()
		return nil, ioErr("replay journal", "", err)
	}
	if _, err := jf.Seek(size, io.SeekStart); err != nil {
		_ = jf.Close()
		return nil, ioErr("open journal", "", err)
	}
	s.journal = jf
	s.journalSize = size

	log.Debug("file store opened",
		logx.String("snapshot", s.snapshotPath),
		logx.Int("records", len(s.records)),
	)
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, e := range snap.Records {
		if e.SlotID == "" {
			continue
		}
		s.records[e.SlotID] = e
	}
	s.seq = snap.Seq
	return nil
}

// replay applies every decodable journal line and returns the offset just
// past the last complete line. A torn tail (no trailing newline) is cut off
// so the next append starts on a clean line.
func (s *fileStore) replay(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)
	var off int64
	skipped := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			off += int64(len(line))
			if !s.applyLine(bytes.TrimSpace(line)) {
				skipped++
			}
		} else if len(line) > 0 {
			s.log.Warn("dropping torn journal tail", logx.Int("bytes", len(line)))
			if terr := f.Truncate(off); terr != nil {
				return 0, terr
			}
			if serr := f.Sync(); serr != nil {
				return 0, serr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if skipped > 0 {
		s.log.Warn("skipped undecodable journal lines", logx.Int("count", skipped))
	}
	return off, nil
}

func (s *fileStore) applyLine(line []byte) bool {
	if len(line) == 0 {
		return true
	}
	var e entry
	if err := json.Unmarshal(line, &e); err != nil || e.SlotID == "" || !e.Status.Valid() {
		return false
	}
	if cur, ok := s.records[e.SlotID]; ok && cur.Seq >= e.Seq {
		return true
	}
	s.records[e.SlotID] = e
	if e.Seq > s.seq {
		s.seq = e.Seq
	}
	return true
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, slotID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[slotID]
	if !ok {
		return Record{}, notFoundErr(slotID)
	}
	return e.Record, nil
}

func (s *fileStore) PutPending(ctx context.Context, slot schedule.Slot, at time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[slot.ID]; ok {
		return e.Record, nil
	}
	rec := newPending(slot, at)
	if err := s.appendLocked("put pending", rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *fileStore) MarkAttempt(ctx context.Context, slotID string, attempts int, at time.Time, lastErr string) error {
	return s.mutate(ctx, "mark attempt", slotID, StatusPending, attempts, at, lastErr)
}

func (s *fileStore) MarkDelivered(ctx context.Context, slotID string, attempts int, at time.Time) error {
	return s.mutate(ctx, "mark delivered", slotID, StatusDelivered, attempts, at, "")
}

func (s *fileStore) MarkAbandoned(ctx context.Context, slotID string, attempts int, at time.Time, reason string) error {
	return s.mutate(ctx, "mark abandoned", slotID, StatusAbandoned, attempts, at, reason)
}

func (s *fileStore) mutate(ctx context.Context, op, slotID string, to Status, attempts int, at time.Time, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[slotID]
	if !ok {
		return notFoundErr(slotID)
	}
	rec, err := applyMutation(e.Record, to, attempts, at, msg)
	if err != nil {
		return err
	}
	return s.appendLocked(op, rec)
}

func (s *fileStore) Unresolved(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, e := range s.records {
		if e.Status == StatusPending {
			out = append(out, e.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *fileStore) Latest(ctx context.Context) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Record
	found := false
	for _, e := range s.records {
		if !found || e.DueAt.After(best.DueAt) {
			best = e.Record
			found = true
		}
	}
	return best, found, nil
}

// appendLocked writes rec as the next journal entry and fsyncs it. The
// in-memory map only changes once the line is durable; a failed write is
// truncated away so no partial line remains.
func (s *fileStore) appendLocked(op string, rec Record) error {
	if s.journal == nil {
		return ioErr(op, rec.SlotID, os.ErrClosed)
	}
	e := entry{Seq: s.seq + 1, Record: rec}
	b, err := json.Marshal(e)
	if err != nil {
		return ioErr(op, rec.SlotID, err)
	}
	b = append(b, '\n')

	if _, err := s.journal.Write(b); err != nil {
		s.rollbackLocked()
		return ioErr(op, rec.SlotID, err)
	}
	if err := s.journal.Sync(); err != nil {
		s.rollbackLocked()
		return ioErr(op, rec.SlotID, err)
	}
	s.journalSize += int64(len(b))
	s.seq = e.Seq
	s.records[rec.SlotID] = e

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			// The journal still holds everything; retry at the next interval.
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) rollbackLocked() {
	if err := s.journal.Truncate(s.journalSize); err != nil {
		s.log.Error("journal rollback failed", logx.Err(err), logx.Int64("offset", s.journalSize))
		return
	}
	_, _ = s.journal.Seek(s.journalSize, io.SeekStart)
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{Seq: s.seq, Records: make([]entry, 0, len(s.records))}
	for _, e := range s.records {
		snap.Records = append(snap.Records, e)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].DueAt.Before(snap.Records[j].DueAt) })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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
	syncDir(filepath.Dir(s.snapshotPath))

	// Entries left in the journal after a crash here are older than the
	// snapshot and lose on replay by sequence number.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.journalSize = 0
	return s.journal.Sync()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
