package reqid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	const n = 100000
	seen := make(map[REQID]struct{}, n)
	for i := 0; i < n; i++ {
		id := Generate()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate REQID after %d generations: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestSentinel(t *testing.T) {
	assert.True(t, Zero.IsSentinel())
	assert.True(t, REQID{}.IsSentinel())
	assert.False(t, Generate().IsSentinel())
}

func TestEqualityIsByteWise(t *testing.T) {
	a := Generate()
	b, err := FromBytes(a[:])
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a, b)

	b[Size-1] ^= 0xff
	assert.False(t, a.Equal(b))
}

func TestParseString(t *testing.T) {
	id := Generate()
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = Parse("abcd")
	assert.Error(t, err)
	_, err = Parse("zz")
	assert.Error(t, err)
}
