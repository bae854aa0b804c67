package nas

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/your-org/aalto-mme/internal/model"
)

func TestEncodeDecodePlain(t *testing.T) {
	frame := EncodePlain(PDEMM, MsgAttachRequest, []byte{1, 2, 3})

	pd, msgType, body, err := DecodePlain(frame)
	require.NoError(t, err)
	require.Equal(t, PDEMM, pd)
	require.Equal(t, MsgAttachRequest, msgType)
	require.Equal(t, []byte{1, 2, 3}, body)
}

func TestDecodePlainRejectsTooShort(t *testing.T) {
	_, _, _, err := DecodePlain([]byte{1})
	require.Error(t, err)
}

func TestEncodeDecodeProtected(t *testing.T) {
	plain := EncodePlain(PDEMM, MsgSecurityModeComplete, nil)
	mac := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame := EncodeProtected(PDEMM, SecHdrIntegrityProtected, 3, mac, plain)

	hdr, inner, err := DecodeProtected(frame)
	require.NoError(t, err)
	require.Equal(t, PDEMM, hdr.ProtocolDiscriminator)
	require.Equal(t, SecHdrIntegrityProtected, hdr.SecurityHeaderType)
	require.Equal(t, mac, hdr.MAC)
	require.Equal(t, uint8(3), hdr.SequenceNumber)
	require.Equal(t, plain, inner)
}

func TestEncodeDecodeTLVs(t *testing.T) {
	tlvs := []TLV{
		{Tag: 0x5c, Value: []byte{1, 2}},
		{Tag: 0x13, Value: []byte{9}},
	}
	encoded := EncodeTLVs(tlvs)

	decoded, err := DecodeTLVs(encoded)
	require.NoError(t, err)
	require.Equal(t, tlvs, decoded)
}

func TestDecodeTLVsTruncated(t *testing.T) {
	_, err := DecodeTLVs([]byte{0x5c, 10, 1, 2})
	require.Error(t, err)
}

func TestEPSMobileIdentityIMSIRoundTripOddDigits(t *testing.T) {
	imsi := "001010123456789" // 15 digits, a real IMSI's length
	encoded := EncodeEPSMobileIdentityIMSI(imsi)
	decoded, err := DecodeEPSMobileIdentityIMSI(encoded)
	require.NoError(t, err)
	require.Equal(t, imsi, decoded)
}

func TestEPSMobileIdentityIMSIRoundTripEvenDigits(t *testing.T) {
	imsi := "00101012345678" // 14 digits
	encoded := EncodeEPSMobileIdentityIMSI(imsi)
	decoded, err := DecodeEPSMobileIdentityIMSI(encoded)
	require.NoError(t, err)
	require.Equal(t, imsi, decoded)
}

func TestDecodeEPSMobileIdentityRejectsNonIMSI(t *testing.T) {
	v := []byte{0x02} // type = 2 (IMEI), not IMSI
	_, err := DecodeEPSMobileIdentityIMSI(v)
	require.Error(t, err)
}

func TestEPSMobileIdentityGUTIRoundTrip(t *testing.T) {
	guti := model.GUTI{
		GUMMEI: model.GUMMEI{
			PLMN:       model.PLMN{MCC: "001", MNC: "01"},
			MMEGroupID: 0x1234,
			MMECode:    7,
		},
		MTMSI: 0xdeadbeef,
	}
	encoded := EncodeEPSMobileIdentityGUTI(guti)
	decoded, err := DecodeEPSMobileIdentityGUTI(encoded)
	require.NoError(t, err)
	require.Equal(t, guti, decoded)
}

func TestDecodeEPSMobileIdentityGUTIRejectsNonGUTI(t *testing.T) {
	v := EncodeEPSMobileIdentityIMSI("001010123456789")
	_, err := DecodeEPSMobileIdentityGUTI(v)
	require.Error(t, err)
}

func TestIdentityTypeDistinguishesIMSIAndGUTI(t *testing.T) {
	imsiType, err := IdentityType(EncodeEPSMobileIdentityIMSI("001010123456789"))
	require.NoError(t, err)
	require.Equal(t, uint8(1), imsiType)

	gutiType, err := IdentityType(EncodeEPSMobileIdentityGUTI(model.GUTI{}))
	require.NoError(t, err)
	require.Equal(t, uint8(6), gutiType)
}
