// Package nas implements the EPS Mobility Management / Session
// Management message envelope (TS 24.301 §9): the security header, the
// EMM/ESM message discriminator, and the small set of IEs the MME's
// Attach/Auth/SMC/PDN-connectivity procedures need to read or write.
// Encoding follows the same hand-rolled length-value approach as
// AlohaLuo-gnbsim-backup/encoding/nas (adapted from 5GS NAS down to
// EPS NAS) rather than a generated ASN.1 stack, since nothing in the
// pack ships one for NAS either.
package nas

import (
	"fmt"

	"github.com/your-org/aalto-mme/internal/model"
)

// Security header types, TS 24.301 §9.3.1.
const (
	SecHdrPlain                    uint8 = 0
	SecHdrIntegrityProtected       uint8 = 1
	SecHdrIntegrityAndCiphered     uint8 = 2
	SecHdrIntegrityNewCtx          uint8 = 3
	SecHdrIntegrityAndCipheredNewCtx uint8 = 4
)

// Protocol discriminators, TS 24.007 §11.2.3.1.1.
const (
	PDEMM uint8 = 0x7
	PDESM uint8 = 0x2
)

// EMM message types, TS 24.301 §9.8.
const (
	MsgAttachRequest           uint8 = 65
	MsgAttachAccept            uint8 = 66
	MsgAttachComplete          uint8 = 67
	MsgAttachReject            uint8 = 68
	MsgDetachRequest           uint8 = 69
	MsgDetachAccept            uint8 = 70
	MsgAuthenticationRequest   uint8 = 82
	MsgAuthenticationResponse  uint8 = 83
	MsgAuthenticationReject    uint8 = 84
	MsgAuthenticationFailure   uint8 = 92
	MsgIdentityRequest         uint8 = 85
	MsgIdentityResponse        uint8 = 86
	MsgSecurityModeCommand     uint8 = 93
	MsgSecurityModeComplete    uint8 = 94
	MsgSecurityModeReject      uint8 = 95
	MsgEMMStatus               uint8 = 96
	MsgTrackingAreaUpdateRequest  uint8 = 72
	MsgTrackingAreaUpdateAccept   uint8 = 73
	MsgTrackingAreaUpdateComplete uint8 = 74
)

// ESM message types, TS 24.301 §9.9.
const (
	MsgPDNConnectivityRequest     uint8 = 208
	MsgPDNConnectivityReject      uint8 = 209
	MsgActivateDefaultEPSBearerContextRequest uint8 = 193
	MsgActivateDefaultEPSBearerContextAccept  uint8 = 194
	MsgESMInformationRequest      uint8 = 217
	MsgESMInformationResponse     uint8 = 218
	MsgESMStatus                  uint8 = 232
)

// PlainHeader is the envelope for a security-header-type-0 (plain) NAS
// message: protocol discriminator + message type, no MAC/sequence
// number.
type PlainHeader struct {
	ProtocolDiscriminator uint8
	MessageType           uint8
}

// ProtectedHeader precedes every non-plain NAS message: PD+SecHdrType
// byte, then the 4-byte MAC, then the 1-byte sequence number, then the
// plain message (PD+type+IEs) it protects.
type ProtectedHeader struct {
	ProtocolDiscriminator uint8
	SecurityHeaderType    uint8
	MAC                   [4]byte
	SequenceNumber        uint8
}

// EncodePlain serializes a plain (security-header-type 0) NAS message.
func EncodePlain(pd, msgType uint8, body []byte) []byte {
	out := make([]byte, 2+len(body))
	out[0] = pd
	out[1] = msgType
	copy(out[2:], body)
	return out
}

// DecodePlain parses a plain NAS message header, returning the body.
func DecodePlain(b []byte) (pd, msgType uint8, body []byte, err error) {
	if len(b) < 2 {
		return 0, 0, nil, fmt.Errorf("nas: message too short")
	}
	return b[0], b[1], b[2:], nil
}

// EncodeProtected wraps plainMsg (itself the output of EncodePlain for
// the inner EMM/ESM message) with a security header, given a precomputed
// MAC. The caller (internal/security, internal/emm) is responsible for
// computing mac over pd||secHdrType||seq||plainMsg per TS 24.301 §4.4.3.2
// before calling this.
func EncodeProtected(pd, secHdrType uint8, seq uint8, mac [4]byte, plainMsg []byte) []byte {
	out := make([]byte, 7+len(plainMsg))
	out[0] = pd
	out[1] = secHdrType
	copy(out[2:6], mac[:])
	// NAS reuses byte 6 as sequence number only for integrity-protected
	// headers; ciphered-and-protected headers carry it too per §4.4.3.1,
	// so it is always present once SecHdrType != Plain.
	out[6] = seq
	copy(out[7:], plainMsg)
	return out
}

// DecodeProtected splits a protected NAS message into its header fields
// and the inner plain message bytes.
func DecodeProtected(b []byte) (ProtectedHeader, []byte, error) {
	if len(b) < 7 {
		return ProtectedHeader{}, nil, fmt.Errorf("nas: protected message too short")
	}
	h := ProtectedHeader{
		ProtocolDiscriminator: b[0],
		SecurityHeaderType:    b[1],
	}
	copy(h.MAC[:], b[2:6])
	h.SequenceNumber = b[6]
	return h, b[7:], nil
}

// TLV is a Type-Length-Value optional IE as used throughout EMM/ESM
// messages (TS 24.301 Annex C). Mandatory fixed-position IEs are read
// positionally by the caller; this helper only covers the trailing
// optional IE stream.
type TLV struct {
	Tag   uint8
	Value []byte
}

// EncodeTLVs serializes a sequence of optional IEs back to back.
func EncodeTLVs(tlvs []TLV) []byte {
	var out []byte
	for _, t := range tlvs {
		out = append(out, t.Tag, byte(len(t.Value)))
		out = append(out, t.Value...)
	}
	return out
}

// DecodeTLVs parses a trailing optional-IE stream until b is exhausted.
func DecodeTLVs(b []byte) ([]TLV, error) {
	var out []TLV
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("nas: truncated optional IE")
		}
		tag, length := b[0], int(b[1])
		if len(b) < 2+length {
			return nil, fmt.Errorf("nas: truncated optional IE value (tag=%d)", tag)
		}
		out = append(out, TLV{Tag: tag, Value: append([]byte(nil), b[2:2+length]...)})
		b = b[2+length:]
	}
	return out, nil
}

// EncodeEPSMobileIdentityIMSI packs an IMSI as an EPS Mobile Identity IE
// value (TS 24.301 §9.9.3.12): TBCD digits with the type-of-identity
// nibble (IMSI=1) in the first nibble of the first octet.
func EncodeEPSMobileIdentityIMSI(imsi string) []byte {
	digits := imsi
	odd := len(digits)%2 == 1
	nDigits := len(digits)
	out := make([]byte, 1+nDigits/2)
	first := byte(1) // type = IMSI
	if odd {
		first |= 0x08
	}
	first |= (digits[0] - '0') << 4
	out[0] = first
	for i := 1; i < nDigits; i += 2 {
		lo := digits[i] - '0'
		hi := byte(0xF)
		if i+1 < nDigits {
			hi = digits[i+1] - '0'
		}
		out[1+(i-1)/2] = lo | hi<<4
	}
	return out
}

// DecodeEPSMobileIdentityIMSI unpacks an EPS Mobile Identity IE back
// into its IMSI digit string, assuming it encodes an IMSI (type 1).
func DecodeEPSMobileIdentityIMSI(v []byte) (string, error) {
	if len(v) < 1 {
		return "", fmt.Errorf("nas: empty mobile identity")
	}
	if v[0]&0x07 != 1 {
		return "", fmt.Errorf("nas: mobile identity is not an IMSI (type=%d)", v[0]&0x07)
	}
	odd := v[0]&0x08 != 0
	digits := []byte{'0' + (v[0]>>4)&0xF}
	for _, b := range v[1:] {
		digits = append(digits, '0'+b&0xF)
		if b>>4 != 0xF {
			digits = append(digits, '0'+(b>>4)&0xF)
		}
	}
	if !odd && len(digits) > 0 && digits[len(digits)-1] == '0'+0xF {
		digits = digits[:len(digits)-1]
	}
	return string(digits), nil
}

// eitGUTI is the EPS Mobile Identity type-of-identity value for a GUTI,
// TS 24.008 §10.5.1.4.
const eitGUTI = 6

// EncodeEPSMobileIdentityGUTI packs a GUTI as an EPS Mobile Identity IE
// value (TS 24.301 §9.9.3.12, format in TS 24.008 §10.5.1.4): spare
// nibble + type, TBCD PLMN, MME Group ID, MME Code, M-TMSI.
func EncodeEPSMobileIdentityGUTI(guti model.GUTI) []byte {
	out := make([]byte, 11)
	out[0] = 0xF0 | eitGUTI // spare nibble all-ones, odd/even bit unused for GUTI
	plmn := guti.GUMMEI.PLMN.TBCD()
	copy(out[1:4], plmn[:])
	out[4] = byte(guti.GUMMEI.MMEGroupID >> 8)
	out[5] = byte(guti.GUMMEI.MMEGroupID)
	out[6] = guti.GUMMEI.MMECode
	out[7] = byte(guti.MTMSI >> 24)
	out[8] = byte(guti.MTMSI >> 16)
	out[9] = byte(guti.MTMSI >> 8)
	out[10] = byte(guti.MTMSI)
	return out
}

// DecodeEPSMobileIdentityGUTI unpacks an EPS Mobile Identity IE back into
// a GUTI, assuming it encodes one (type 6).
func DecodeEPSMobileIdentityGUTI(v []byte) (model.GUTI, error) {
	if len(v) < 11 {
		return model.GUTI{}, fmt.Errorf("nas: truncated GUTI mobile identity")
	}
	if v[0]&0x07 != eitGUTI {
		return model.GUTI{}, fmt.Errorf("nas: mobile identity is not a GUTI (type=%d)", v[0]&0x07)
	}
	var plmn [3]byte
	copy(plmn[:], v[1:4])
	return model.GUTI{
		GUMMEI: model.GUMMEI{
			PLMN:       model.PLMNFromTBCD(plmn),
			MMEGroupID: uint16(v[4])<<8 | uint16(v[5]),
			MMECode:    v[6],
		},
		MTMSI: uint32(v[7])<<24 | uint32(v[8])<<16 | uint32(v[9])<<8 | uint32(v[10]),
	}, nil
}

// IdentityType returns the type-of-identity nibble of an EPS Mobile
// Identity IE value without otherwise decoding it, so a caller can
// dispatch between DecodeEPSMobileIdentityIMSI and
// DecodeEPSMobileIdentityGUTI.
func IdentityType(v []byte) (uint8, error) {
	if len(v) < 1 {
		return 0, fmt.Errorf("nas: empty mobile identity")
	}
	return v[0] & 0x07, nil
}
