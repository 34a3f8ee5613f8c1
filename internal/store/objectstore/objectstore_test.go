package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash([]byte("hello"))
	b := ContentHash([]byte("hello"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentHash_DifferentInputsDiffer(t *testing.T) {
	assert.NotEqual(t, ContentHash([]byte("a")), ContentHash([]byte("b")))
}

func TestKeyFor_Fanout(t *testing.T) {
	hash := "abcdef0123456789"
	key := KeyFor(hash, ".jpg")
	assert.Equal(t, "ab/cd/abcdef0123456789.jpg", key)
}

func TestKeyFor_NoExtension(t *testing.T) {
	hash := "0011223344"
	key := KeyFor(hash, "")
	assert.Equal(t, "00/11/0011223344", key)
}

func TestKeyFor_UppercaseNormalized(t *testing.T) {
	key := KeyFor("ABCD1234", "")
	assert.Equal(t, "ab/cd/abcd1234", key)
}
