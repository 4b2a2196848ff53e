package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelwar/pkg/types"
)

func TestCompressRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("pixel-war "), 500)
	packed, err := Compress(src)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(src))

	out, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestChainHashDependsOnPrevious(t *testing.T) {
	payload := []byte("field")
	a := ChainHash("GENESIS", payload)
	b := ChainHash("other", payload)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ChainHash("GENESIS", payload))
	assert.Len(t, a, 64)
	assert.Len(t, Hash(payload), 64)
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte(`{"account":"y","amount":5}`)
	sig := Sign(priv, msg)
	assert.True(t, VerifySignature(pub, msg, sig))
	assert.False(t, VerifySignature(pub, []byte("tampered"), sig))
	assert.False(t, VerifySignature(pub[:10], msg, sig))
}

func TestFieldPackUnpack(t *testing.T) {
	y := types.Account("y")
	snap := types.FieldSnapshot{
		Width: 10, Height: 10, Pool: 1000, RoundEnd: 1717243200,
		Cells: []types.CellView{
			{X: 0, Y: 0, Owner: &y, Price: 4, Color: 0xff00ff},
			{X: 9, Y: 9, Owner: &y, Price: 2},
		},
	}
	blob, err := PackField(snap)
	require.NoError(t, err)

	got, err := UnpackField(blob)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestDecodeFieldRejectsTruncated(t *testing.T) {
	y := types.Account("y")
	raw := EncodeField(types.FieldSnapshot{Width: 1, Height: 1, Cells: []types.CellView{{Owner: &y, Price: 2}}})
	_, err := DecodeField(raw[:len(raw)-3])
	assert.ErrorIs(t, err, ErrMalformed)
}
