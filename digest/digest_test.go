package digest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/optakt/deltastore/digest"
)

func TestSumEmpty(t *testing.T) {
	id := digest.Sum(nil)
	assert.Equal(t, digest.Empty, id)
	assert.True(t, id.IsEmpty())
}

func TestSumDeterministic(t *testing.T) {
	a := digest.Sum([]byte("hello world"))
	b := digest.Sum([]byte("hello world"))
	assert.Equal(t, a, b)
}

func TestSumDistinctPayloadsDiffer(t *testing.T) {
	a := digest.Sum([]byte("hello world"))
	b := digest.Sum([]byte("hello worlds"))
	assert.NotEqual(t, a, b)
}

func TestFromBytes(t *testing.T) {
	id := digest.Sum([]byte("payload"))
	got, ok := digest.FromBytes(id.Bytes())
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = digest.FromBytes([]byte{1, 2, 3})
	assert.False(t, ok)
}
