package store_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optakt/deltastore/digest"
	"github.com/optakt/deltastore/store"
)

func TestIdentityScenario(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Insert(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, digest.Empty, id)

	payload, ok, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, payload)

	tree, err := s.DescribeDeltaTree()
	require.NoError(t, err)
	assert.Contains(t, tree, "0 record(s)")
}

func TestBaselineCompressionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("x"), 32)

	s, err := store.Open(dir)
	require.NoError(t, err)

	id, err := s.Insert(payload, nil)
	require.NoError(t, err)
	_, err = s.Flush()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := store.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestDeltaOverHintIsShorterThanBaseline(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	base := bytes.Repeat([]byte("1"), 33)
	id1, err := s.Insert(base, nil)
	require.NoError(t, err)

	extended := append(bytes.Repeat([]byte("1"), 33), '2')
	id2, err := s.Insert(extended, []digest.ID{id1})
	require.NoError(t, err)

	got, ok, err := s.Get(id2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, extended, got)

	// Insert keeps a delta only when it is strictly shorter than the
	// full-text baseline; a delta over id1 puts id2 at depth 2.
	_, err = s.Flush()
	require.NoError(t, err)
	tree, err := s.DescribeDeltaTree()
	require.NoError(t, err)
	assert.Contains(t, tree, "- "+id2.String()+" depth=2 subchain=0 ")
}

// TestDedupAcrossTwoStoreHandles opens two Store handles on the same
// directory and keeps both open at once, the way two independent
// processes sharing a store would: neither is closed before the other
// inserts and flushes. Both insert the identical payload and both flush;
// only the first flush may publish a durable record (spec §8 scenario 5).
func TestDedupAcrossTwoStoreHandles(t *testing.T) {
	dir := t.TempDir()

	s1, err := store.Open(dir)
	require.NoError(t, err)
	defer s1.Close()

	s2, err := store.Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	payload := []byte("shared payload written by two processes")

	id1, err := s1.Insert(payload, nil)
	require.NoError(t, err)
	id2, err := s2.Insert(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n1, err := s1.Flush()
	require.NoError(t, err)
	assert.Greater(t, n1, uint64(0))

	n2, err := s2.Flush()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n2, "duplicate insert across handles must not double the durable records")

	got, ok, err := s2.Get(id1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestPublishAndReadRoot(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Insert([]byte("manifest contents"), nil)
	require.NoError(t, err)

	require.NoError(t, s.PublishRoot("HEAD", id))

	got, ok, err := s.ReadRoot("HEAD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, err = s.Insert([]byte("manifest contents v2"), []digest.ID{id})
	require.NoError(t, err)

	missing, ok, err := s.ReadRoot("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, digest.ID{}, missing)

	assert.FileExists(t, filepath.Join(dir, "HEAD"))
}
