package s6a

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeVectorHappyPath(t *testing.T) {
	rand := strings.Repeat("aa", 16)
	autn := strings.Repeat("bb", 16)
	xres := strings.Repeat("cc", 8)
	kasme := strings.Repeat("dd", 32)

	av, err := decodeVector(rand, autn, xres, kasme)
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), av.RAND[0])
	require.Equal(t, byte(0xbb), av.AUTN[0])
	require.Equal(t, byte(0xdd), av.KASME[0])
	require.Len(t, av.XRES, 8)
}

func TestDecodeVectorRejectsShortRAND(t *testing.T) {
	_, err := decodeVector("aabb", strings.Repeat("bb", 16), strings.Repeat("cc", 8), strings.Repeat("dd", 32))
	require.Error(t, err)
}

func TestDecodeVectorRejectsMalformedHex(t *testing.T) {
	_, err := decodeVector("zzzz", strings.Repeat("bb", 16), strings.Repeat("cc", 8), strings.Repeat("dd", 32))
	require.Error(t, err)
}

func TestDecodeVectorRejectsShortKASME(t *testing.T) {
	_, err := decodeVector(strings.Repeat("aa", 16), strings.Repeat("bb", 16), strings.Repeat("cc", 8), "dd")
	require.Error(t, err)
}
