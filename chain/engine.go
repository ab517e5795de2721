// Package chain implements the delta-chain engine (C4): it decides
// when to store a blob as full-text vs. delta, enforces the tree-shaped
// chain invariants of spec §4.4, and reconstructs full text by walking a
// chain back to the empty-payload root.
package chain

import (
	"fmt"
	"strings"

	"github.com/gammazero/deque"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/optakt/deltastore/applog"
	"github.com/optakt/deltastore/delta"
	"github.com/optakt/deltastore/deltaerr"
	"github.com/optakt/deltastore/digest"
)

// resolveCacheSize bounds the memoized-payload cache to a fixed number of
// reconstructed payloads; it does not depend on DeltaOptions.
const resolveCacheSize = 4096

// Engine is the delta-chain engine (C4). It is safe for concurrent use
// from multiple goroutines; the underlying applog.Log serializes the
// append buffer itself.
type Engine struct {
	log    *applog.Log
	opts   DeltaOptions
	logger zerolog.Logger
	cache  *lru.Cache

	metrics *collectors
}

// NewEngine creates a delta-chain engine over an already-open log. reg
// may be nil, in which case no metrics are registered, matching the
// teacher's nil-safe prometheus.Registerer parameter in
// ledger/wal.NewDiskWAL.
func NewEngine(logger zerolog.Logger, log *applog.Log, opts DeltaOptions, reg prometheus.Registerer) (*Engine, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	cache, err := lru.New(resolveCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create resolve cache: %w", err)
	}

	e := Engine{
		log:     log,
		opts:    opts,
		logger:  logger.With().Str("component", "chain_engine").Logger(),
		cache:   cache,
		metrics: newCollectors(reg),
	}
	return &e, nil
}

// Insert stores payload, choosing the smallest candidate among a
// full-text baseline and a delta against each of candidateBases (§4.4.4).
// It is idempotent: inserting the same payload twice returns the same id
// without writing a second record.
func (e *Engine) Insert(payload []byte, candidateBases []digest.ID) (digest.ID, error) {
	id := digest.Sum(payload)

	if id.IsEmpty() {
		// A zero-length payload is always the EMPTY_ID sentinel; no
		// record is ever written for it (spec §9 Open Questions).
		return id, nil
	}

	ok, err := e.Contains(id)
	if err != nil {
		return digest.ID{}, fmt.Errorf("could not check for existing record: %w", err)
	}
	if ok {
		return id, nil
	}

	baseline, err := delta.Diff(nil, payload)
	if err != nil {
		return digest.ID{}, fmt.Errorf("could not encode full-text baseline: %w", err)
	}
	best := applog.Record{
		ID:          id,
		BaseID:      digest.Empty,
		Depth:       1,
		SubchainLen: 0,
		ChainBytes:  uint64(len(baseline)),
		Delta:       baseline,
	}

	for _, baseID := range candidateBases {
		candidate, ok, err := e.createDelta(id, baseID, payload, false)
		if err != nil {
			return digest.ID{}, fmt.Errorf("could not build candidate against base %s: %w", baseID, err)
		}
		if !ok {
			continue
		}
		if len(candidate.Delta) < len(best.Delta) {
			best = candidate
		}
	}

	e.log.Append(best)
	e.metrics.observeInsert(best)

	return id, nil
}

// createDelta attempts to build a candidate record for id against
// baseID, following the tree-reshaping algorithm of spec §4.4.5.
func (e *Engine) createDelta(id, baseID digest.ID, payload []byte, preserveDepth bool) (applog.Record, bool, error) {
	if baseID.IsEmpty() {
		return applog.Record{}, false, nil
	}

	base, ok, err := e.lookupOne(baseID)
	if err != nil {
		return applog.Record{}, false, fmt.Errorf("could not look up base record: %w", err)
	}
	if !ok {
		return applog.Record{}, false, nil
	}

	if base.Depth >= e.opts.MaxDepth {
		preserveDepth = true
	}

	if preserveDepth && base.SubchainLen+1 >= e.opts.MaxSubchainLen {
		ancestor, ok, err := e.nearestShallowerAncestor(base)
		if err != nil {
			return applog.Record{}, false, fmt.Errorf("could not find re-root ancestor: %w", err)
		}
		if !ok {
			return applog.Record{}, false, nil
		}
		return e.createDelta(id, ancestor.ID, payload, true)
	}

	newDepth := base.Depth + 1
	newSubchainLen := uint32(0)
	if preserveDepth {
		newDepth = base.Depth
		newSubchainLen = base.SubchainLen + 1
	}

	basePayload, err := e.resolve(base)
	if err != nil {
		return applog.Record{}, false, fmt.Errorf("could not reconstruct base payload: %w", err)
	}

	d, err := delta.Diff(basePayload, payload)
	if err != nil {
		return applog.Record{}, false, fmt.Errorf("could not diff against base: %w", err)
	}

	chainBytes := base.ChainBytes + uint64(len(d))
	if chainBytes > e.opts.maxAllowedChainBytes(len(payload)) {
		return applog.Record{}, false, nil
	}

	candidate := applog.Record{
		ID:          id,
		BaseID:      baseID,
		Depth:       newDepth,
		SubchainLen: newSubchainLen,
		ChainBytes:  chainBytes,
		Delta:       d,
	}
	return candidate, true, nil
}

// nearestShallowerAncestor walks the chain from base towards the root
// looking for the first record whose depth is strictly smaller than
// base's, bailing out if it reaches the EMPTY_ID sentinel first (§4.4.5).
func (e *Engine) nearestShallowerAncestor(base applog.Record) (applog.Record, bool, error) {
	current := base
	for steps := uint32(0); steps <= e.opts.MaxDepth*e.opts.MaxSubchainLen+1; steps++ {
		if current.BaseID.IsEmpty() {
			return applog.Record{}, false, nil
		}
		parent, ok, err := e.lookupOne(current.BaseID)
		if err != nil {
			return applog.Record{}, false, err
		}
		if !ok {
			return applog.Record{}, false, nil
		}
		if parent.Depth < base.Depth {
			return parent, true, nil
		}
		current = parent
	}
	return applog.Record{}, false, fmt.Errorf("%w: ancestor walk exceeded bound", deltaerr.ErrCorruptChain)
}

// resolve reconstructs the full payload for a record by walking its
// chain back to EMPTY_ID, applying deltas along the way. Intermediate
// payloads are memoized in Engine's bounded cache to keep repeated
// reconstruction cheap (§4.4.6).
func (e *Engine) resolve(r applog.Record) ([]byte, error) {
	if r.ID.IsEmpty() {
		return nil, nil
	}

	if cached, ok := e.cache.Get(r.ID); ok {
		return cached.([]byte), nil
	}

	var base []byte
	if !r.BaseID.IsEmpty() {
		baseRecord, ok, err := e.lookupOne(r.BaseID)
		if err != nil {
			return nil, fmt.Errorf("could not look up base record: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: missing base %s for record %s", deltaerr.ErrCorruptChain, r.BaseID, r.ID)
		}
		base, err = e.resolve(baseRecord)
		if err != nil {
			return nil, err
		}
	}

	payload, err := delta.Apply(base, r.Delta)
	if err != nil {
		return nil, fmt.Errorf("could not apply delta for record %s: %w", r.ID, err)
	}

	got := digest.Sum(payload)
	if got != r.ID {
		return nil, fmt.Errorf("%w: reconstructed payload for record %s has digest %s", deltaerr.ErrCorruptChain, r.ID, got)
	}

	e.cache.Add(r.ID, payload)
	return payload, nil
}

// lookupOne returns the single durable-or-buffered record for id,
// hard-coding the EMPTY_ID sentinel to bypass the log entirely (§4.4.7).
func (e *Engine) lookupOne(id digest.ID) (applog.Record, bool, error) {
	if id.IsEmpty() {
		return applog.Record{ID: digest.Empty, BaseID: digest.Empty}, true, nil
	}

	records, err := e.log.Lookup(id)
	if err != nil {
		return applog.Record{}, false, err
	}
	if len(records) == 0 {
		return applog.Record{}, false, nil
	}
	return records[0], true, nil
}

// Get reconstructs the payload stored under id, if any.
func (e *Engine) Get(id digest.ID) ([]byte, bool, error) {
	if id.IsEmpty() {
		return nil, true, nil
	}

	r, ok, err := e.lookupOne(id)
	if err != nil {
		return nil, false, fmt.Errorf("could not look up record: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	payload, err := e.resolve(r)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Contains reports whether id has a record, without reconstructing it.
func (e *Engine) Contains(id digest.ID) (bool, error) {
	if id.IsEmpty() {
		return true, nil
	}
	return e.log.Contains(id)
}

// Flush durably publishes buffered inserts, deduplicating against
// records other processes may have already written.
func (e *Engine) Flush() (uint64, error) {
	return e.log.Flush(applog.DropDurable)
}

// Records returns every record durably published to the underlying log,
// in append order. It exists for introspection and testing of the chain
// shape invariants of spec §4.4/§8; DescribeDeltaTree builds its text
// summary from the same call.
func (e *Engine) Records() ([]applog.Record, error) {
	records, err := e.log.Iter()
	if err != nil {
		return nil, fmt.Errorf("could not iterate log: %w", err)
	}
	return records, nil
}

// DescribeDeltaTree renders an operator-facing text summary of the
// chain shape: a record count, then one line per durable record giving
// its id, depth, subchain length and chain bytes, indented by its
// distance from the root and listed level by level, suitable for
// diagnosing delta-chain bloat (spec §6 "Debug introspection").
//
// The tree is walked breadth-first using an explicit queue
// (github.com/gammazero/deque) rather than recursion, the same
// non-recursive-traversal style the teacher uses for its own forest
// walks (models/dps/safe_deque.go).
func (e *Engine) DescribeDeltaTree() (string, error) {
	records, err := e.log.Iter()
	if err != nil {
		return "", fmt.Errorf("could not iterate log: %w", err)
	}

	byID := make(map[digest.ID]applog.Record, len(records))
	children := make(map[digest.ID][]digest.ID)
	for _, r := range records {
		byID[r.ID] = r
		children[r.BaseID] = append(children[r.BaseID], r.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "delta chain: %d record(s)\n", len(records))

	type frame struct {
		id     digest.ID
		indent int
	}

	var q deque.Deque
	for _, rootID := range children[digest.Empty] {
		q.PushBack(frame{id: rootID, indent: 0})
	}

	for q.Len() > 0 {
		f := q.PopFront().(frame)
		r := byID[f.id]
		fmt.Fprintf(&b, "%s- %s depth=%d subchain=%d chain_bytes=%d\n",
			strings.Repeat("  ", f.indent), f.id, r.Depth, r.SubchainLen, r.ChainBytes)
		for _, childID := range children[f.id] {
			q.PushBack(frame{id: childID, indent: f.indent + 1})
		}
	}

	return b.String(), nil
}
