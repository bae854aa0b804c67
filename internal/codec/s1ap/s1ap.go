// Package s1ap implements a pragmatic (non-ASN.1-PER) wire encoding for
// the S1AP messages the MME exchanges with an eNB over SCTP: a flat
// TLV-framed message envelope instead of TS 36.413's full PER encoding,
// in the spirit of jangocheng-go-gtp's IE-struct approach and gnbsim's
// encoding/ngap package (AlohaLuo-gnbsim-backup/encoding/ngap/ngap.go),
// which likewise hand-rolls message structs over a generic length-value
// field reader rather than pulling in an ASN.1 PER library - nothing in
// this retrieval pack carries one.
package s1ap

import (
	"encoding/binary"
	"fmt"
)

// Procedure codes, TS 36.413 §9.3.8 (only the subset the MME speaks).
const (
	ProcS1Setup              uint8 = 17
	ProcInitialUEMessage     uint8 = 12
	ProcDownlinkNASTransport uint8 = 11
	ProcUplinkNASTransport   uint8 = 13
	ProcInitialContextSetup  uint8 = 9
	ProcUEContextRelease     uint8 = 23
	ProcPaging               uint8 = 10
	ProcErrorIndication      uint8 = 15
)

// Message type discriminators.
const (
	TypeInitiating uint8 = 0
	TypeSuccessful uint8 = 1
	TypeUnsuccessful uint8 = 2
)

// IE tags for the fields this codec needs out of each S1AP message.
const (
	IEMMEUES1APID    uint16 = 0
	IEENBName        uint16 = 1
	IEENBUES1APID    uint16 = 8
	IEGlobalENBID    uint16 = 59
	IESupportedTAs   uint16 = 83
	IENASPDU         uint16 = 26
	IETAI            uint16 = 67
	IEEUTRANCGI      uint16 = 100
	IEUEPagingID     uint16 = 101
	IECNDomain       uint16 = 102
	IEUESecurityCap  uint16 = 107
	IESecurityKey    uint16 = 91
	IECause          uint16 = 2
	IEERABToBeSetup  uint16 = 24
)

// Header frames every message: procedure code, type (initiating /
// successful outcome / unsuccessful outcome), and an IE count, followed
// by that many TLV-encoded IEs.
type Header struct {
	ProcedureCode uint8
	TypeOfMessage uint8
}

// IE is one (tag, value) pair. Value encoding is IE-specific and decoded
// by the caller; this layer only frames the byte stream.
type IE struct {
	Tag   uint16
	Value []byte
}

// Message is a decoded S1AP PDU: header plus its IE list.
type Message struct {
	Header Header
	IEs    []IE
}

// Encode serializes a Message to its wire form: 2-byte magic, procedure
// code, type, 2-byte IE count, then each IE as tag(2)+length(2)+value.
func Encode(m Message) []byte {
	buf := []byte{0x53, 0x31, m.Header.ProcedureCode, m.Header.TypeOfMessage, 0, 0}
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.IEs)))
	for _, ie := range m.IEs {
		head := make([]byte, 4)
		binary.BigEndian.PutUint16(head[0:2], ie.Tag)
		binary.BigEndian.PutUint16(head[2:4], uint16(len(ie.Value)))
		buf = append(buf, head...)
		buf = append(buf, ie.Value...)
	}
	return buf
}

// Decode parses a wire-form Message.
func Decode(b []byte) (Message, error) {
	if len(b) < 6 || b[0] != 0x53 || b[1] != 0x31 {
		return Message{}, fmt.Errorf("s1ap: bad magic or truncated header")
	}
	m := Message{Header: Header{ProcedureCode: b[2], TypeOfMessage: b[3]}}
	count := binary.BigEndian.Uint16(b[4:6])
	off := 6
	for i := uint16(0); i < count; i++ {
		if len(b) < off+4 {
			return Message{}, fmt.Errorf("s1ap: truncated IE header")
		}
		tag := binary.BigEndian.Uint16(b[off : off+2])
		length := binary.BigEndian.Uint16(b[off+2 : off+4])
		off += 4
		if len(b) < off+int(length) {
			return Message{}, fmt.Errorf("s1ap: truncated IE value (tag=%d)", tag)
		}
		m.IEs = append(m.IEs, IE{Tag: tag, Value: append([]byte(nil), b[off:off+int(length)]...)})
		off += int(length)
	}
	return m, nil
}

// Find returns the first IE with the given tag.
func Find(ies []IE, tag uint16) (IE, bool) {
	for _, ie := range ies {
		if ie.Tag == tag {
			return ie, true
		}
	}
	return IE{}, false
}

// EncodeTAI packs a TAI IE value: 3-byte TBCD PLMN + 2-byte TAC.
func EncodeTAI(plmn [3]byte, tac uint16) []byte {
	out := make([]byte, 5)
	copy(out[0:3], plmn[:])
	binary.BigEndian.PutUint16(out[3:5], tac)
	return out
}

// DecodeTAI unpacks a TAI IE value.
func DecodeTAI(v []byte) (plmn [3]byte, tac uint16, err error) {
	if len(v) < 5 {
		return plmn, 0, fmt.Errorf("s1ap: TAI IE too short")
	}
	copy(plmn[:], v[0:3])
	tac = binary.BigEndian.Uint16(v[3:5])
	return plmn, tac, nil
}

// EncodeGlobalENBID packs a Global-eNB-ID IE value: 3-byte TBCD PLMN +
// 4-byte eNB-ID (20 bits used, widened to a uint32 on the wire here for
// simplicity rather than TS 36.413's bit-packed macro/home eNB-ID choice).
func EncodeGlobalENBID(plmn [3]byte, enbID uint32) []byte {
	out := make([]byte, 7)
	copy(out[0:3], plmn[:])
	binary.BigEndian.PutUint32(out[3:7], enbID)
	return out
}

// DecodeGlobalENBID unpacks a Global-eNB-ID IE value.
func DecodeGlobalENBID(v []byte) (plmn [3]byte, enbID uint32, err error) {
	if len(v) < 7 {
		return plmn, 0, fmt.Errorf("s1ap: Global-eNB-ID IE too short")
	}
	copy(plmn[:], v[0:3])
	enbID = binary.BigEndian.Uint32(v[3:7])
	return plmn, enbID, nil
}

// EncodeERABItem packs an E-RAB To Be Setup Item carried in Initial
// Context Setup Request: the bearer's EPS Bearer ID and the transport
// (GTP-U) address the eNB should send uplink user-plane traffic to -
// the SGW's own S1-U F-TEID, TS 36.413 §9.1.4.1.
func EncodeERABItem(ebi uint8, teid uint32, addr [4]byte) []byte {
	out := make([]byte, 9)
	out[0] = ebi
	binary.BigEndian.PutUint32(out[1:5], teid)
	copy(out[5:9], addr[:])
	return out
}

// DecodeERABItem unpacks an E-RAB Setup Item from an Initial Context
// Setup Response: the eNB's own F-TEID for that bearer, the target the
// MME must hand to the SGW in Modify Bearer Request.
func DecodeERABItem(v []byte) (ebi uint8, teid uint32, addr [4]byte, err error) {
	if len(v) < 9 {
		return 0, 0, addr, fmt.Errorf("s1ap: E-RAB item too short")
	}
	ebi = v[0]
	teid = binary.BigEndian.Uint32(v[1:5])
	copy(addr[:], v[5:9])
	return ebi, teid, addr, nil
}
