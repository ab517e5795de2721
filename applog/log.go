// Package applog implements the append-only log and digest index (C3):
// a durable, ordered sequence of records with O(1) lookup by the 20-byte
// key carried in the first bytes of every record.
//
// The durable representation is split across two teacher-grounded
// stores, mirroring exactly how the teacher itself splits its own
// durability concerns: a segmented write-ahead log
// (github.com/m4ksio/wal/wal, as used directly in ledger/wal/wal.go)
// gives us crash-safe, append-ordered replay for Iter, while a badger
// database (github.com/dgraph-io/badger/v2, as used in
// ledger/store/store.go and service/storage) gives O(1) lookup by
// digest. The WAL is the durability source of truth; the badger index is
// reconciled against the WAL tail every time a backend is first opened
// (see rebuildIndex), so a crash or a failed Flush between the two
// writes never leaves them diverged for longer than one reopen.
//
// Unlike the original indexedlog-backed store this package is modeled
// on, badger takes an exclusive lock on its directory, so a second
// *badger.DB cannot be opened over one already open in this process.
// Multiple Log handles on the same directory therefore share a single
// underlying backend (WAL + index), reference-counted by directory, so
// that opening a second Log for a directory a first Log already has
// open succeeds and durably deduplicates against it instead of failing
// outright or silently diverging.
package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	prometheuswal "github.com/m4ksio/wal/wal"

	"github.com/optakt/deltastore/atomicfile"
	"github.com/optakt/deltastore/digest"
)

// SegmentSize is the default WAL segment size, matching the teacher's
// ledger/wal.SegmentSize.
const SegmentSize = 32 * 1024 * 1024

// Filter decides, at flush time, whether a buffered record should be
// published durably. It exists so that when two processes independently
// insert the same digest, only one copy reaches disk: a typical filter
// returns false (drop) when the log already durably contains the id.
type Filter func(log *Log, r Record) bool

// KeepAll is a Filter that publishes every buffered record unconditionally.
func KeepAll(*Log, Record) bool { return true }

// DropDurable is the default Filter: it drops a buffered record if the
// log already durably contains a record for the same id, enforcing the
// "at most one copy per id" property described in spec §4.3. It always
// re-reads the durable index rather than any process-local cache, so a
// copy published by a different Log handle sharing this backend is seen.
func DropDurable(log *Log, r Record) bool {
	ok, err := log.containsDurable(r.ID)
	if err != nil {
		// Conservatively keep the record; a spurious index error must
		// never silently drop data.
		return true
	}
	return !ok
}

// backend is the durable state shared by every Log handle open on the
// same directory within this process: the WAL, the badger index, and
// the mutex that serializes publishing a batch of records across both.
type backend struct {
	dir   string
	wal   *prometheuswal.WAL
	index *badger.DB

	mu   sync.Mutex
	refs int
}

var (
	backendsMu sync.Mutex
	backends   = map[string]*backend{}
)

// acquireBackend opens (or joins) the shared backend for dir. The
// directory is resolved to an absolute, cleaned path so that two Open
// calls naming the same directory differently still share one backend.
func acquireBackend(logger zerolog.Logger, reg prometheus.Registerer, dir string) (*backend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("could not resolve log directory: %w", err)
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if b, ok := backends[abs]; ok {
		b.refs++
		return b, nil
	}

	err = atomicfile.CreateDirAllShared(abs)
	if err != nil {
		return nil, fmt.Errorf("could not create log directory: %w", err)
	}

	walDir := filepath.Join(abs, "log")
	w, err := prometheuswal.NewSize(logger, reg, walDir, SegmentSize, false)
	if err != nil {
		return nil, fmt.Errorf("could not open write-ahead log: %w", err)
	}

	indexDir := filepath.Join(abs, "log", "id")
	badgerOpts := badger.DefaultOptions(indexDir).
		WithLogger(nil).
		WithNumMemtables(1).
		WithKeepL0InMemory(false).
		WithCompactL0OnClose(false)
	index, err := badger.Open(badgerOpts)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("could not open digest index: %w", err)
	}

	b := &backend{
		dir:   abs,
		wal:   w,
		index: index,
		refs:  1,
	}

	err = rebuildIndex(b)
	if err != nil {
		_ = index.Close()
		_ = w.Close()
		return nil, fmt.Errorf("could not rebuild digest index from log tail: %w", err)
	}

	backends[abs] = b
	return b, nil
}

// release drops one reference to b, closing the underlying WAL and
// badger index once the last Log handle on this directory releases it.
func release(b *backend) error {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	b.refs--
	if b.refs > 0 {
		return nil
	}
	delete(backends, b.dir)

	var errs []error
	if err := b.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("could not close write-ahead log: %w", err))
	}
	if err := b.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("could not close digest index: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// rebuildIndex scans the full WAL tail of a freshly opened backend and
// reconciles the badger index against it, inserting any record the
// index is missing. This is what makes the index "always rebuildable
// from the log" in practice: a crash (or a failed Flush) between the
// WAL append and the badger commit leaves the WAL ahead of the index
// until the next Open, at which point this closes the gap.
func rebuildIndex(b *backend) error {
	records, err := iterWAL(b.wal)
	if err != nil {
		return fmt.Errorf("could not read log for index rebuild: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	tx := b.index.NewTransaction(true)
	defer tx.Discard()

	var pending int
	for _, r := range records {
		_, err := tx.Get(r.ID.Bytes())
		if err == nil {
			continue
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("could not query digest index: %w", err)
		}

		frame, err := Encode(r)
		if err != nil {
			return fmt.Errorf("could not encode record %s: %w", r.ID, err)
		}
		err = tx.Set(r.ID.Bytes(), frame)
		if err != nil {
			return fmt.Errorf("could not index record %s: %w", r.ID, err)
		}
		pending++
	}
	if pending == 0 {
		return nil
	}

	return tx.Commit()
}

// Log is a durable, append-only sequence of records, plus an in-memory
// buffer of records not yet published by this handle. The buffer is
// private to a Log; the durable backend is shared by every Log on the
// same directory.
type Log struct {
	log     zerolog.Logger
	dir     string
	backend *backend

	mu     sync.RWMutex
	buffer []Record
}

// Open creates or opens a log at dir. The first 20 bytes of every record
// are treated as the index key, per spec §4.3. A second Open on the same
// directory, from this process, joins the first one's backend instead of
// failing on badger's exclusive directory lock.
func Open(log zerolog.Logger, reg prometheus.Registerer, dir string) (*Log, error) {
	logger := log.With().Str("component", "applog").Logger()

	b, err := acquireBackend(logger, reg, dir)
	if err != nil {
		return nil, err
	}

	l := Log{
		log:     logger,
		dir:     b.dir,
		backend: b,
	}
	return &l, nil
}

// Append buffers a new record in memory. It is visible to this handle's
// Lookup/Contains calls immediately, but not to other handles until
// Flush publishes it. Append never fails short of OOM.
func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, r)
}

// Lookup streams all records whose id matches exactly: the durably
// published record, if any, plus any buffered-but-unflushed copy from
// this handle.
func (l *Log) Lookup(id digest.ID) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Record
	for _, r := range l.buffer {
		if r.ID == id {
			results = append(results, r)
		}
	}

	r, ok, err := l.getDurable(id)
	if err != nil {
		return nil, fmt.Errorf("could not look up durable record: %w", err)
	}
	if ok {
		results = append(results, r)
	}

	return results, nil
}

// Contains reports whether a record for id is known to this handle,
// whether buffered or durable.
func (l *Log) Contains(id digest.ID) (bool, error) {
	l.mu.RLock()
	for _, r := range l.buffer {
		if r.ID == id {
			l.mu.RUnlock()
			return true, nil
		}
	}
	l.mu.RUnlock()

	return l.containsDurable(id)
}

func (l *Log) containsDurable(id digest.ID) (bool, error) {
	var found bool
	err := l.backend.index.View(func(tx *badger.Txn) error {
		_, err := tx.Get(id.Bytes())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not query digest index: %w", err)
	}
	return found, nil
}

func (l *Log) getDurable(id digest.ID) (Record, bool, error) {
	var (
		frame []byte
		found bool
	)
	err := l.backend.index.View(func(tx *badger.Txn) error {
		item, err := tx.Get(id.Bytes())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		frame, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("could not read digest index: %w", err)
	}
	if !found {
		return Record{}, false, nil
	}

	r, err := Decode(frame)
	if err != nil {
		return Record{}, false, fmt.Errorf("could not decode durable record: %w", err)
	}
	return r, true, nil
}

// Iter returns the records durably published to the log, in append order.
func (l *Log) Iter() ([]Record, error) {
	return iterWAL(l.backend.wal)
}

func iterWAL(w *prometheuswal.WAL) ([]Record, error) {
	first, last, err := prometheuswal.Segments(w.Dir())
	if err != nil {
		return nil, fmt.Errorf("could not list log segments: %w", err)
	}
	if last < first {
		return nil, nil
	}

	sr, err := prometheuswal.NewSegmentsRangeReader(prometheuswal.SegmentRange{
		Dir:   w.Dir(),
		First: first,
		Last:  last,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create segment reader: %w", err)
	}
	defer sr.Close()

	reader := prometheuswal.NewReader(sr)
	var records []Record
	for reader.Next() {
		r, err := Decode(reader.Record())
		if err != nil {
			return nil, fmt.Errorf("could not decode record during iteration: %w", err)
		}
		records = append(records, r)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("could not read log: %w", err)
	}

	return records, nil
}

// Flush publishes this handle's buffered records: it invokes filter on
// each one, appends the kept ones to the write-ahead log, indexes them
// by digest in badger, and fsyncs the store directory for durability.
// The WAL append and the badger commit happen inside the shared
// backend's lock, so two handles on the same directory can never
// interleave a partial publish of one with another's. If the badger
// commit fails after the WAL append succeeded, the gap is closed on the
// next Open by rebuildIndex rather than by this call (spec §4.3: "can be
// repaired by re-scanning the log tail").
func (l *Log) Flush(filter Filter) (uint64, error) {
	if filter == nil {
		filter = DropDurable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buffer) == 0 {
		return 0, nil
	}

	b := l.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		kept         []Record
		frames       [][]byte
		bytesWritten uint64
	)
	for _, r := range l.buffer {
		if !filter(l, r) {
			continue
		}
		frame, err := Encode(r)
		if err != nil {
			return 0, fmt.Errorf("could not encode record %s: %w", r.ID, err)
		}
		kept = append(kept, r)
		frames = append(frames, frame)
		bytesWritten += uint64(len(frame))
	}

	if len(frames) > 0 {
		err := b.wal.Log(frames...)
		if err != nil {
			return 0, fmt.Errorf("could not append to write-ahead log: %w", err)
		}

		tx := b.index.NewTransaction(true)
		defer tx.Discard()
		for i, r := range kept {
			err := tx.Set(r.ID.Bytes(), frames[i])
			if err != nil {
				return 0, fmt.Errorf("could not index record %s: %w", r.ID, err)
			}
		}
		err = tx.Commit()
		if err != nil {
			return 0, fmt.Errorf("could not commit digest index transaction: %w", err)
		}

		err = fsyncDir(l.dir)
		if err != nil {
			l.log.Warn().Err(err).Msg("could not fsync store directory")
		}
	}

	l.buffer = nil

	return bytesWritten, nil
}

// Close flushes any remaining buffered records with the default filter
// and releases this handle's reference to the underlying log and index,
// closing them once the last handle on this directory has released it.
func (l *Log) Close() error {
	_, err := l.Flush(DropDurable)
	if err != nil {
		return fmt.Errorf("could not flush on close: %w", err)
	}
	return release(l.backend)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
