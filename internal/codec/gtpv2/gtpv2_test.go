package gtpv2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		MessageType:    MsgCreateSessionRequest,
		TEID:           0xDEADBEEF,
		SequenceNumber: 0x123456,
	}
	encoded := EncodeHeader(h, 20)

	decoded, offset, err := DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, 12, offset)
	require.Equal(t, h.MessageType, decoded.MessageType)
	require.Equal(t, h.TEID, decoded.TEID)
	require.Equal(t, h.SequenceNumber&0xFFFFFF, decoded.SequenceNumber)
	require.True(t, decoded.TEIDFlag)
}

func TestDecodeHeaderRejectsWrongVersion(t *testing.T) {
	b := []byte{0x00, 0, 0, 0, 0, 0, 0, 0}
	_, _, err := DecodeHeader(b)
	require.Error(t, err)
}

func TestDecodeHeaderRejectsTooShort(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0x48, 32})
	require.Error(t, err)
}

func TestIESerializeAndDecode(t *testing.T) {
	ie := New(IEImsi, []byte("001010000000001"))
	serialized := ie.Serialize()
	require.Equal(t, ie.Len(), len(serialized))

	decoded, err := DecodeIEs(serialized)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, IEImsi, decoded[0].Type)
	require.Equal(t, []byte("001010000000001"), decoded[0].Value)
}

func TestDecodeIEsMultiple(t *testing.T) {
	var b []byte
	b = append(b, New(IEImsi, []byte("imsi")).Serialize()...)
	b = append(b, New(IEApn, []byte("internet")).Serialize()...)

	decoded, err := DecodeIEs(b)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	apn, ok := Find(decoded, IEApn, 0)
	require.True(t, ok)
	require.Equal(t, []byte("internet"), apn.Value)

	_, ok = Find(decoded, IEMsisdn, 0)
	require.False(t, ok)
}

func TestDecodeIEsTruncated(t *testing.T) {
	_, err := DecodeIEs([]byte{IEImsi, 0, 10, 0, 1, 2})
	require.Error(t, err)
}

func TestFTEIDRoundTrip(t *testing.T) {
	v := EncodeFTEID(10, 0xCAFEBABE, [4]byte{192, 168, 1, 1})

	ifType, teid, ip, hasV4, err := DecodeFTEID(v)
	require.NoError(t, err)
	require.Equal(t, uint8(10), ifType)
	require.Equal(t, uint32(0xCAFEBABE), teid)
	require.True(t, hasV4)
	require.Equal(t, [4]byte{192, 168, 1, 1}, ip)
}

func TestEncodePAA(t *testing.T) {
	v := EncodePAA([4]byte{10, 45, 0, 1})
	require.Equal(t, byte(0x01), v[0])
	require.Equal(t, []byte{10, 45, 0, 1}, v[1:])
}
