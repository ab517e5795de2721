package chain_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optakt/deltastore/applog"
	"github.com/optakt/deltastore/chain"
	"github.com/optakt/deltastore/delta"
	"github.com/optakt/deltastore/digest"
)

func openTestEngine(t *testing.T, opts chain.DeltaOptions) *chain.Engine {
	t.Helper()
	dir := t.TempDir()
	log, err := applog.Open(zerolog.Nop(), nil, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	e, err := chain.NewEngine(zerolog.Nop(), log, opts, nil)
	require.NoError(t, err)
	return e
}

func TestInsertEmptyPayloadIsSentinel(t *testing.T) {
	e := openTestEngine(t, chain.DefaultDeltaOptions)

	id, err := e.Insert(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, digest.Empty, id)

	ok, err := e.Contains(id)
	require.NoError(t, err)
	assert.True(t, ok)

	payload, ok, err := e.Get(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, payload)
}

func TestInsertGetRoundTrip(t *testing.T) {
	e := openTestEngine(t, chain.DefaultDeltaOptions)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	id, err := e.Insert(payload, nil)
	require.NoError(t, err)

	got, ok, err := e.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestInsertIsIdempotent(t *testing.T) {
	e := openTestEngine(t, chain.DefaultDeltaOptions)

	payload := []byte("repeatable payload")
	id1, err := e.Insert(payload, nil)
	require.NoError(t, err)
	id2, err := e.Insert(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	_, err = e.Flush()
	require.NoError(t, err)

	records, err := e.DescribeDeltaTree()
	require.NoError(t, err)
	assert.Contains(t, records, id1.String())
}

func TestInsertPrefersSmallestDeltaCandidate(t *testing.T) {
	e := openTestEngine(t, chain.DefaultDeltaOptions)

	base := bytes.Repeat([]byte("ABCDEFGH"), 256)
	baseID, err := e.Insert(base, nil)
	require.NoError(t, err)

	unrelated := []byte("totally unrelated short text")
	unrelatedID, err := e.Insert(unrelated, nil)
	require.NoError(t, err)

	similar := append(bytes.Repeat([]byte("ABCDEFGH"), 256), []byte("-tail")...)
	similarID, err := e.Insert(similar, []digest.ID{unrelatedID, baseID})
	require.NoError(t, err)

	got, ok, err := e.Get(similarID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, similar, got)

	_, err = e.Flush()
	require.NoError(t, err)
	records, err := e.Records()
	require.NoError(t, err)
	var chosen applog.Record
	for _, r := range records {
		if r.ID == similarID {
			chosen = r
		}
	}

	smallest := -1
	for _, dict := range [][]byte{nil, unrelated, base} {
		d, err := delta.Diff(dict, similar)
		require.NoError(t, err)
		if smallest < 0 || len(d) < smallest {
			smallest = len(d)
		}
	}
	assert.Equal(t, smallest, len(chosen.Delta))
}

func TestChainReshapeUnderSmallBounds(t *testing.T) {
	opts := chain.DeltaOptions{
		MaxDepth:          2,
		MaxSubchainLen:    2,
		MaxChainBytes:     1 << 20,
		MaxChainFactorLog: 8,
	}
	e := openTestEngine(t, opts)

	var prevID digest.ID
	var ids []digest.ID
	for i := 0; i < 12; i++ {
		payload := []byte(fmt.Sprintf("revision number %d of the document body text", i))
		var candidates []digest.ID
		if !prevID.IsEmpty() || len(ids) > 0 {
			candidates = []digest.ID{prevID}
		}
		id, err := e.Insert(payload, candidates)
		require.NoError(t, err)

		got, ok, err := e.Get(id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, payload, got)

		prevID = id
		ids = append(ids, id)
	}

	_, err := e.Flush()
	require.NoError(t, err)

	for _, id := range ids {
		ok, err := e.Contains(id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	records, err := e.Records()
	require.NoError(t, err)
	require.Len(t, records, 12)

	byID := make(map[digest.ID]applog.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
		// I-DEPTH, I-SUBCHAIN (spec §4.4/§8): no record may exceed the
		// configured bounds, regardless of how long the insertion
		// sequence that produced it was.
		assert.LessOrEqualf(t, r.Depth, opts.MaxDepth, "record %s exceeds max depth", r.ID)
		assert.Lessf(t, r.SubchainLen, opts.MaxSubchainLen, "record %s does not satisfy subchain_len < max_subchain_len", r.ID)
	}

	// I-PATH: the path from any record back to EMPTY_ID must not exceed
	// max_depth * max_subchain_len + 1 hops, the bound the tree reshaping
	// algorithm is designed to hold even though the records above were
	// inserted as one long linear sequence of revisions.
	maxPath := int(opts.MaxDepth*opts.MaxSubchainLen) + 1
	for _, id := range ids {
		hops := 0
		cur := id
		for !cur.IsEmpty() {
			r, ok := byID[cur]
			require.True(t, ok, "broken chain at %s", cur)
			cur = r.BaseID
			hops++
			require.LessOrEqualf(t, hops, maxPath, "chain to root from %s exceeds bound", id)
		}
	}
}

func TestContainsWithoutGet(t *testing.T) {
	e := openTestEngine(t, chain.DefaultDeltaOptions)

	payload := []byte("some payload")
	id, err := e.Insert(payload, nil)
	require.NoError(t, err)

	ok, err := e.Contains(id)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := digest.Sum([]byte("never inserted"))
	ok, err = e.Contains(missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.Get(missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDescribeDeltaTreeAcrossFlush(t *testing.T) {
	e := openTestEngine(t, chain.DefaultDeltaOptions)

	baseID, err := e.Insert([]byte("document v1 with a reasonable amount of text in it"), nil)
	require.NoError(t, err)
	_, err = e.Insert([]byte("document v2 with a reasonable amount of text in it, changed"), []digest.ID{baseID})
	require.NoError(t, err)

	_, err = e.Flush()
	require.NoError(t, err)

	out, err := e.DescribeDeltaTree()
	require.NoError(t, err)
	assert.Contains(t, out, "record(s)")
}
