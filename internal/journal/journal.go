// Package journal persists queued measurements so a restarted relay can
// forward what it accepted but never delivered.
//
// The journal file holds one JSON entry per line in sequence order. A
// sidecar file records the highest sequence the forwarder is done with.
// Entries at or below that mark are dead weight and are dropped by
// compaction, which runs on Open and whenever enough entries have been
// committed since the last one.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/relayd/internal/model"
)

const (
	fileMode = 0o644
	dirMode  = 0o755

	// DefaultCompactAfter is how many committed entries may pile up in the
	// journal file before it is rewritten.
	DefaultCompactAfter = 1024
)

// Options tunes a journal. The zero value is usable.
type Options struct {
	Logger *zap.Logger
	// CompactAfter overrides DefaultCompactAfter. Negative disables
	// compaction while the journal is open.
	CompactAfter int
}

type entry struct {
	Seq         uint64                    `json:"seq"`
	Measurement model.ReceivedMeasurement `json:"m"`
}

// Journal is a durable append-only log of queued measurements.
type Journal struct {
	mu           sync.Mutex
	path         string
	commitPath   string
	file         *os.File
	logger       *zap.Logger
	compactAfter int

	nextSeq   uint64
	committed uint64
	// dead counts entries still in the file at or below committed.
	dead int
}

// Stats describes the on-disk state of a journal.
type Stats struct {
	Committed uint64 `json:"committed"`
	NextSeq   uint64 `json:"next_seq"`
	Dead      int    `json:"dead_entries"`
	Bytes     int64  `json:"bytes"`
}

// Open creates or opens the journal at path and compacts away entries that
// were committed before the last shutdown.
func Open(path string, opts Options) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	compactAfter := opts.CompactAfter
	if compactAfter == 0 {
		compactAfter = DefaultCompactAfter
	}

	j := &Journal{
		path:         path,
		commitPath:   path + ".commit",
		logger:       logger,
		compactAfter: compactAfter,
	}

	committed, err := readCommitted(j.commitPath)
	if err != nil {
		return nil, err
	}
	j.committed = committed

	res, err := j.rewrite()
	if err != nil {
		return nil, err
	}
	j.nextSeq = max(res.maxSeq, committed) + 1
	if res.dropped > 0 {
		logger.Info("compacted journal", zap.Int("dropped", res.dropped), zap.Int("kept", res.kept))
	}

	if err := j.openForAppend(); err != nil {
		return nil, err
	}
	return j, nil
}

// Append persists one measurement and returns its sequence number. The entry
// is synced to disk before Append returns.
func (j *Journal) Append(m *model.ReceivedMeasurement) (uint64, error) {
	if m == nil {
		return 0, errors.New("journal: nil measurement")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	seq := j.nextSeq
	line, err := json.Marshal(entry{Seq: seq, Measurement: *m})
	if err != nil {
		return 0, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync entry: %w", err)
	}
	j.nextSeq++
	return seq, nil
}

// Commit marks every entry up to seq as done. The commit mark is replaced
// atomically but not synced; after a crash a few forwarded entries may be
// replayed again. Once CompactAfter entries are dead, and they outnumber
// the live ones, the file is compacted.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	// Sequences are contiguous, so the distance is the number of entries
	// that just died, bounded by what was ever appended.
	last := min(seq, j.nextSeq-1)
	if last > j.committed {
		j.dead += int(last - j.committed)
	}
	j.committed = seq
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}

	if j.shouldCompactLocked() {
		return j.compactLocked()
	}
	return nil
}

// shouldCompactLocked requires dead entries to outnumber live ones too, so
// draining a long backlog rewrites the file a logarithmic number of times.
func (j *Journal) shouldCompactLocked() bool {
	if j.compactAfter <= 0 || j.file == nil || j.dead < j.compactAfter {
		return false
	}
	var live uint64
	if j.nextSeq-1 > j.committed {
		live = j.nextSeq - 1 - j.committed
	}
	return uint64(j.dead) >= live
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Stats reports the journal's sequence marks and file size.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Stats{Committed: j.committed, NextSeq: j.nextSeq, Dead: j.dead}
	if fi, err := os.Stat(j.path); err == nil {
		st.Bytes = fi.Size()
	}
	return st
}

// Replay calls fn for each uncommitted entry in sequence order. Corrupt
// entries are logged and skipped.
func (j *Journal) Replay(fn func(seq uint64, m *model.ReceivedMeasurement) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path, committed := j.path, j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	return scan(f, j.logger, func(e entry, _ []byte) error {
		if e.Seq <= committed {
			return nil
		}
		m := e.Measurement
		m.Seq = e.Seq
		return fn(e.Seq, &m)
	})
}

// Close syncs the commit mark and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := syncFile(j.commitPath)
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

func (j *Journal) openForAppend() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	j.file = f
	return nil
}

func (j *Journal) compactLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: close for compact: %w", err)
	}
	j.file = nil

	res, err := j.rewrite()
	if oerr := j.openForAppend(); oerr != nil && err == nil {
		err = oerr
	}
	if err != nil {
		return err
	}
	j.logger.Debug("compacted journal", zap.Int("dropped", res.dropped), zap.Int("kept", res.kept))
	return nil
}

type rewriteResult struct {
	maxSeq  uint64
	kept    int
	dropped int
}

// rewrite replaces the journal file with its uncommitted entries and resets
// the dead count. The caller holds mu or owns j exclusively.
func (j *Journal) rewrite() (rewriteResult, error) {
	var res rewriteResult

	src, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return res, fmt.Errorf("journal: open source for compact: %w", err)
	}
	defer src.Close()

	tmpPath := j.path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return res, fmt.Errorf("journal: open compact tmp: %w", err)
	}
	fail := func(err error) (rewriteResult, error) {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return rewriteResult{}, err
	}

	w := bufio.NewWriter(dst)
	committed := j.committed
	err = scan(src, j.logger, func(e entry, line []byte) error {
		res.maxSeq = max(res.maxSeq, e.Seq)
		if e.Seq <= committed {
			res.dropped++
			return nil
		}
		res.kept++
		_, err := w.Write(line)
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("journal: compact: %w", err))
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("journal: compact flush: %w", err))
	}
	if err := dst.Sync(); err != nil {
		return fail(fmt.Errorf("journal: compact sync: %w", err))
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return rewriteResult{}, fmt.Errorf("journal: compact close: %w", err)
	}
	// The commit mark must be durable before the entries it covers vanish.
	if err := syncFile(j.commitPath); err != nil {
		_ = os.Remove(tmpPath)
		return rewriteResult{}, err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		_ = os.Remove(tmpPath)
		return rewriteResult{}, fmt.Errorf("journal: compact rename: %w", err)
	}
	j.dead = 0
	return res, nil
}

// scan decodes entries from r, calling fn with each entry and its raw line.
// Undecodable lines are logged and skipped; an unterminated last line is a
// torn write and is logged and ignored.
func scan(r io.Reader, logger *zap.Logger, fn func(e entry, line []byte) error) error {
	reader := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read: %w", err)
		}
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				logger.Warn("ignoring truncated journal entry",
					zap.Int("line", lineNo), zap.Int("bytes", len(line)))
			}
			return nil
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var e entry
		if uerr := json.Unmarshal(line, &e); uerr != nil || e.Seq == 0 {
			logger.Warn("skipping corrupt journal entry", zap.Int("line", lineNo), zap.Error(uerr))
			continue
		}
		if ferr := fn(e, line); ferr != nil {
			return ferr
		}
	}
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeCommitted replaces the commit mark through a rename so readers never
// see a partial number.
func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	payload := strconv.AppendUint(nil, seq, 10)
	payload = append(payload, '\n')
	if err := os.WriteFile(tmp, payload, fileMode); err != nil {
		return fmt.Errorf("journal: write commit mark: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename commit mark: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("journal: open %s for sync: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("journal: sync %s: %w", filepath.Base(path), err)
	}
	return nil
}
