package estimate

import (
	"testing"

	"github.com/klauspost/compress/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInflateFourThirdsHeadroom(t *testing.T) {
	p := Ratio{Num: 4, Den: 3}
	for n := 0; n <= 4096; n++ {
		est, err := p.Estimate(n)
		require.NoError(t, err)
		require.GreaterOrEqual(t, est.Headroom, (n+2)/3, "n=%d", n)
		require.Equal(t, est.Out, n+est.Headroom)
	}
}

func TestDeflateThreeQuartersExact(t *testing.T) {
	p := Ratio{Num: 3, Den: 4}
	for n := 0; n <= 4096; n++ {
		est, err := p.Estimate(n)
		require.NoError(t, err)
		require.True(t, est.Exact)
		require.Equal(t, (3*n+3)/4, est.Out, "n=%d", n)
		require.Zero(t, est.Headroom)
	}
}

func TestTenBytesFourThirds(t *testing.T) {
	est, err := Ratio{Num: 4, Den: 3}.Estimate(10)
	require.NoError(t, err)
	assert.Equal(t, 14, est.Out)
	assert.Equal(t, 4, est.Headroom)

	est, err = Base64Encode{}.Estimate(10)
	require.NoError(t, err)
	assert.Equal(t, 14, est.Out)
	assert.Equal(t, 4, est.Headroom)
}

func TestFixedFraming(t *testing.T) {
	open := Fixed{Strip: 28, Trim: 16}
	est, err := open.Estimate(100)
	require.NoError(t, err)
	assert.Equal(t, Estimate{Strip: 28, Out: 56, Exact: true}, est)
	assert.Equal(t, 72, est.Payload(100))

	_, err = open.Estimate(43)
	assert.ErrorIs(t, err, ErrShortInput)

	seal := Fixed{Prefix: 28, Suffix: 16}
	est, err = seal.Estimate(100)
	require.NoError(t, err)
	assert.Equal(t, 116, est.Out)
	assert.Equal(t, 16, est.Headroom)
	assert.Equal(t, 144, est.Total())
	assert.Equal(t, 144, est.Need(100))
}

func TestS2Profiles(t *testing.T) {
	src := []byte("hello hello hello hello hello hello hello hello")
	block := s2.Encode(nil, src)

	est, err := S2Compress{}.Estimate(len(src))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, est.Out, len(block))
	assert.False(t, est.Exact)

	d := S2Decompress{Limit: 4096}
	est, err = d.Size(block[:min(len(block), PeekSize)], len(block))
	require.NoError(t, err)
	assert.True(t, est.Exact)
	assert.Equal(t, len(src), est.Out)
	assert.Equal(t, max(0, len(src)-len(block)), est.Headroom)

	_, err = S2Decompress{Limit: 8}.Size(block, len(block))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = d.Size([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 6)
	assert.Error(t, err)
}

func TestEstimatorRegistry(t *testing.T) {
	e := New()
	_, err := e.Estimate(KindEncode, 10)
	assert.ErrorIs(t, err, ErrUnknownKind)

	e.Register(KindEncode, Base64Encode{})
	e.Register(KindDecompress, S2Decompress{Limit: 1024})

	est, err := e.Estimate(KindEncode, 10)
	require.NoError(t, err)
	assert.Equal(t, 14, est.Out)

	block := s2.Encode(nil, make([]byte, 300))
	est, err = e.EstimateFor(KindDecompress, len(block), block)
	require.NoError(t, err)
	assert.Equal(t, 300, est.Out)

	assert.Panics(t, func() { e.Register(Kind(200), Identity{}) })
}

func TestBudget(t *testing.T) {
	e := New()
	e.Register(KindEncode, Base64Encode{})
	e.Register(KindCompress, S2Compress{})
	e.Register(KindEncrypt, Fixed{Prefix: 28, Suffix: 16})

	const capacity = 4096
	m := e.Budget(capacity, KindEncode, KindCompress, KindEncrypt)
	require.Positive(t, m)

	check := func(m int) bool {
		n := m
		for _, k := range []Kind{KindEncode, KindCompress, KindEncrypt} {
			est, err := e.Estimate(k, n)
			require.NoError(t, err)
			if est.Need(n) > capacity {
				return false
			}
			n = est.Total()
		}
		return n <= capacity
	}
	assert.True(t, check(m))
	assert.False(t, check(m+1))

	assert.Equal(t, -1, e.Budget(40, KindEncrypt))
	assert.Equal(t, capacity, e.Budget(capacity))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "encode", KindEncode.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
	assert.Len(t, Kinds(), 8)
}
