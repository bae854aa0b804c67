// Package gtpv2 implements the subset of GTPv2-C (TS 29.274) wire
// encoding the MME's S11 interface needs: the message header, a generic
// TLV Information Element, and the handful of IEs used on Create
// Session / Modify Bearer / Delete Session. The TLV shape (Type, Length,
// Instance nibble, Payload) follows the same IE-struct-plus-Serialize
// pattern as jangocheng-go-gtp's GTPv0 codec, generalized from GTPv0's
// TV/TLV split to GTPv2-C's uniform TLIV layout.
package gtpv2

import (
	"encoding/binary"
	"fmt"
)

// Message types used on S11, TS 29.274 §6.1.
const (
	MsgCreateSessionRequest  uint8 = 32
	MsgCreateSessionResponse uint8 = 33
	MsgModifyBearerRequest   uint8 = 34
	MsgModifyBearerResponse  uint8 = 35
	MsgDeleteSessionRequest  uint8 = 36
	MsgDeleteSessionResponse uint8 = 37
)

// IE types, TS 29.274 §8.
const (
	IEImsi         uint8 = 1
	IECause        uint8 = 2
	IERecovery     uint8 = 3
	IEApn          uint8 = 71
	IEAmbr         uint8 = 72
	IEEbi          uint8 = 73
	IEIPAddress    uint8 = 74
	IEMei          uint8 = 75
	IEMsisdn       uint8 = 76
	IEPdnType      uint8 = 99
	IEPaa          uint8 = 79
	IEBearerContext uint8 = 93
	IEFTEID        uint8 = 87
	IEServingNetwork uint8 = 83
	IERATType      uint8 = 82
)

// Cause values, TS 29.274 §8.4.
const (
	CauseRequestAccepted uint8 = 16
	CauseContextNotFound uint8 = 64
)

// Header is the GTPv2-C message header used on S11 (always carries a
// TEID, per §5.1, since S11 never exchanges teid-less messages after
// Create Session).
type Header struct {
	Version     uint8 // always 2
	PiggybackedFlag bool
	TEIDFlag    bool
	MessageType uint8
	Length      uint16 // length of the rest of the message (header byte 4.. excluded, after the mandatory length field)
	TEID        uint32
	SequenceNumber uint32 // 24 bits on the wire
}

// EncodeHeader serializes a GTPv2-C header with the TEID present (S11's
// only mode post-attach).
func EncodeHeader(h Header, bodyLen int) []byte {
	b := make([]byte, 12)
	b[0] = (2 << 5) | 0x08 // version=2, TEID flag set, spare bits zero
	b[1] = h.MessageType
	binary.BigEndian.PutUint16(b[2:4], uint16(bodyLen+8)) // TEID(4)+seq(3)+spare(1)
	binary.BigEndian.PutUint32(b[4:8], h.TEID)
	seq := h.SequenceNumber & 0xFFFFFF
	b[8] = byte(seq >> 16)
	b[9] = byte(seq >> 8)
	b[10] = byte(seq)
	b[11] = 0
	return b
}

// DecodeHeader parses a GTPv2-C header, returning the header and the
// offset at which the IE stream begins.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < 8 {
		return Header{}, 0, fmt.Errorf("gtpv2: header too short (%d bytes)", len(b))
	}
	h := Header{
		Version:     b[0] >> 5,
		TEIDFlag:    b[0]&0x08 != 0,
		MessageType: b[1],
		Length:      binary.BigEndian.Uint16(b[2:4]),
	}
	if h.Version != 2 {
		return Header{}, 0, fmt.Errorf("gtpv2: unsupported version %d", h.Version)
	}
	offset := 4
	if h.TEIDFlag {
		if len(b) < 12 {
			return Header{}, 0, fmt.Errorf("gtpv2: header too short for TEID")
		}
		h.TEID = binary.BigEndian.Uint32(b[4:8])
		h.SequenceNumber = uint32(b[8])<<16 | uint32(b[9])<<8 | uint32(b[10])
		offset = 12
	} else {
		if len(b) < 8 {
			return Header{}, 0, fmt.Errorf("gtpv2: header too short")
		}
		h.SequenceNumber = uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6])
		offset = 8
	}
	return h, offset, nil
}

// IE is a single GTPv2-C Information Element (TS 29.274 §8.1: Type(1) |
// Length(2) | Spare+Instance(1) | Value).
type IE struct {
	Type     uint8
	Instance uint8 // low nibble only
	Value    []byte
}

// New builds an IE, mirroring jangocheng-go-gtp's ies.New constructor
// shape (type + payload, length computed on serialize).
func New(t uint8, v []byte) IE {
	return IE{Type: t, Value: v}
}

// Serialize returns the TLIV-encoded byte sequence for the IE.
func (ie IE) Serialize() []byte {
	out := make([]byte, 4+len(ie.Value))
	out[0] = ie.Type
	binary.BigEndian.PutUint16(out[1:3], uint16(len(ie.Value)))
	out[3] = ie.Instance & 0x0F
	copy(out[4:], ie.Value)
	return out
}

// Len returns the on-wire length of the IE including its 4-byte header.
func (ie IE) Len() int { return 4 + len(ie.Value) }

// DecodeIEs parses a flat sequence of IEs, stopping at the end of b.
// GTPv2-C does not nest IEs within grouped IEs at the top level the MME
// cares about here except Bearer Context, whose Value is itself an IE
// stream - callers re-invoke DecodeIEs on ie.Value for that case.
func DecodeIEs(b []byte) ([]IE, error) {
	var out []IE
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("gtpv2: truncated IE header")
		}
		length := binary.BigEndian.Uint16(b[1:3])
		if len(b) < 4+int(length) {
			return nil, fmt.Errorf("gtpv2: truncated IE value (type=%d want=%d have=%d)", b[0], length, len(b)-4)
		}
		out = append(out, IE{
			Type:     b[0],
			Instance: b[3] & 0x0F,
			Value:    append([]byte(nil), b[4:4+length]...),
		})
		b = b[4+length:]
	}
	return out, nil
}

// Find returns the first IE of the given type and instance, if present.
func Find(ies []IE, t uint8, instance uint8) (IE, bool) {
	for _, ie := range ies {
		if ie.Type == t && ie.Instance == instance {
			return ie, true
		}
	}
	return IE{}, false
}

// EncodeFTEID packs the Fully Qualified TEID IE value: IPv4/v6 presence
// flags (top 2 bits) + interface type (low 6 bits), TEID, then the
// address. Only IPv4 is modeled, matching the MME/SGW S11 deployment
// this codec targets.
func EncodeFTEID(interfaceType uint8, teid uint32, ipv4 [4]byte) []byte {
	out := make([]byte, 9)
	out[0] = 0x80 | (interfaceType & 0x3F) // V4 flag set, V6 clear
	binary.BigEndian.PutUint32(out[1:5], teid)
	copy(out[5:9], ipv4[:])
	return out
}

// DecodeFTEID unpacks an F-TEID IE value.
func DecodeFTEID(v []byte) (interfaceType uint8, teid uint32, ipv4 [4]byte, hasV4 bool, err error) {
	if len(v) < 5 {
		return 0, 0, ipv4, false, fmt.Errorf("gtpv2: F-TEID too short")
	}
	interfaceType = v[0] & 0x3F
	hasV4 = v[0]&0x80 != 0
	teid = binary.BigEndian.Uint32(v[1:5])
	if hasV4 && len(v) >= 9 {
		copy(ipv4[:], v[5:9])
	}
	return interfaceType, teid, ipv4, hasV4, nil
}

// EncodePAA packs a PDN Address Allocation IE for a IPv4-only PDN type.
func EncodePAA(ipv4 [4]byte) []byte {
	out := make([]byte, 5)
	out[0] = 0x01 // PDN type = IPv4
	copy(out[1:], ipv4[:])
	return out
}
