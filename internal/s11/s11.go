// Package s11 implements the GTPv2-C user-plane control state machine
// driven over the MME's S11 reference point to the Serving Gateway:
// Create Session, Modify Bearer, and Delete Session. State names follow
// original_source/mme/S11/S11_User.c and its per-state files
// (S11_NoCtx.c, S11_wCSRsp.c, S11_UlCtx.c, S11_wModBearerRsp.c,
// S11_wDelSessionRsp.c).
//
// Two deliberate corrections from the original are made here (see
// DESIGN.md's Open Question resolutions): accepted()/cause() used
// `if(vsize=2)` - an assignment, always true - where an equality check
// against the expected Cause IE length was clearly intended; this port
// uses `==`. And validateSourceAddr, declared with no return type in C
// (implicitly int, and never actually consulted by its caller besides a
// truthiness check), is given an explicit bool return here and checks
// both the IPv4 and IPv6 families explicitly instead of falling through.
package s11

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/codec/gtpv2"
)

// State is the per-UE S11 session state.
type State int

const (
	StateNoCtx State = iota
	StateWaitCreateSessionResponse
	StateULCtx // context established, bearers up
	StateWaitModifyBearerResponse
	StateWaitDeleteSessionResponse
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateNoCtx:
		return "NoCtx"
	case StateWaitCreateSessionResponse:
		return "wCSRsp"
	case StateULCtx:
		return "UlCtx"
	case StateWaitModifyBearerResponse:
		return "wModBearerRsp"
	case StateWaitDeleteSessionResponse:
		return "wDelSessionRsp"
	case StateTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// Transport sends an already-encoded GTPv2-C datagram to the peer GW
// and reports the local/peer addresses used, for source validation.
type Transport interface {
	Send(b []byte) error
	PeerAddr() string
}

// Bearer mirrors the original's ebearer[0]: the single default bearer
// this MME port models (dedicated bearers are a Non-goal).
type Bearer struct {
	EBI     uint8
	SGWTEID uint32
	SGWAddr [4]byte
	PGWTEID uint32
}

// Session is one UE's S11 control-plane state.
type Session struct {
	MMEUEID   uint32
	State     State
	SGWAddr   string // expected source address for validation
	localTEID uint32
	sgwCTEID  uint32
	bearer    Bearer
	paa       [4]byte

	seq         uint32
	retries     int
	maxRetries  int
	pendingBody []byte
	pendingType uint8

	transport Transport
	logger    *zap.Logger
}

// New creates a Session in NoCtx, the state a UE's S11 context starts in
// before any Create Session Request has been sent (S11_NoCtx.c).
func New(mmeUEID uint32, transport Transport, maxRetries int, logger *zap.Logger) *Session {
	return &Session{MMEUEID: mmeUEID, State: StateNoCtx, transport: transport, maxRetries: maxRetries, logger: logger}
}

// validateSourceAddr reports whether src matches the session's expected
// SGW address, handling IPv4 and IPv6 source strings explicitly rather
// than leaving the family unchecked. Replaces the original's
// return-type-less validateSourceAddr.
func (s *Session) validateSourceAddr(src string) bool {
	want := net.ParseIP(s.SGWAddr)
	got := net.ParseIP(src)
	if want == nil || got == nil {
		return false
	}
	if want.To4() != nil && got.To4() != nil {
		return want.To4().Equal(got.To4())
	}
	if want.To4() == nil && got.To4() == nil {
		return want.Equal(got)
	}
	return false // family mismatch is never a legitimate retransmission source
}

// CreateSession sends a Create Session Request for apn and moves to
// wCSRsp, recording the request so Retransmit can resend it. No T3
// timer is armed here or by the coordinator, so nothing calls
// Retransmit and a lost request is not resent.
func (s *Session) CreateSession(imsi string, apn string, localTEID uint32, localAddr [4]byte, ebi uint8) error {
	if s.State != StateNoCtx {
		return fmt.Errorf("s11: Create Session requested in state %s", s.State)
	}
	s.localTEID = localTEID
	s.bearer.EBI = ebi

	body := s.encodeCreateSessionRequest(imsi, apn, localTEID, localAddr, ebi)
	s.seq = nextSeq(s.seq)
	if err := s.sendWithHeader(gtpv2.MsgCreateSessionRequest, body); err != nil {
		return err
	}
	s.State = StateWaitCreateSessionResponse
	s.retries = 0
	return nil
}

func (s *Session) encodeCreateSessionRequest(imsi, apn string, localTEID uint32, localAddr [4]byte, ebi uint8) []byte {
	var ies []byte
	ies = append(ies, gtpv2.New(gtpv2.IEImsi, []byte(imsi)).Serialize()...)
	ies = append(ies, gtpv2.New(gtpv2.IEApn, []byte(apn)).Serialize()...)
	fteid := gtpv2.EncodeFTEID(10 /* S11/S4 MME GTP-C */, localTEID, localAddr)
	ies = append(ies, gtpv2.New(gtpv2.IEFTEID, fteid).Serialize()...)
	ies = append(ies, gtpv2.New(gtpv2.IEEbi, []byte{ebi}).Serialize()...)
	return ies
}

// HandleCreateSessionResponse parses and validates a Create Session
// Response, extracting the SGW's F-TEID/bearer info on acceptance.
func (s *Session) HandleCreateSessionResponse(src string, body []byte) error {
	if s.State != StateWaitCreateSessionResponse {
		return fmt.Errorf("s11: Create Session Response received in state %s", s.State)
	}
	if !s.validateSourceAddr(src) {
		return fmt.Errorf("s11: Create Session Response from unexpected source %s", src)
	}
	ies, err := gtpv2.DecodeIEs(body)
	if err != nil {
		return err
	}
	if !accepted(ies) {
		return fmt.Errorf("s11: Create Session rejected, cause=%d", cause(ies))
	}

	if ie, ok := gtpv2.Find(ies, gtpv2.IEFTEID, 0); ok {
		_, teid, _, _, err := gtpv2.DecodeFTEID(ie.Value)
		if err != nil {
			return err
		}
		s.sgwCTEID = teid
	}
	// The Bearer Context grouped IE carries the default bearer's own
	// F-TEID (the SGW's S1-U address, interface type 5) - distinct from
	// the S11-C F-TEID above, and what Initial Context Setup Request
	// must hand the eNB so it knows where to send uplink GTP-U traffic.
	if ie, ok := gtpv2.Find(ies, gtpv2.IEBearerContext, 0); ok {
		inner, err := gtpv2.DecodeIEs(ie.Value)
		if err == nil {
			if fteid, ok := gtpv2.Find(inner, gtpv2.IEFTEID, 0); ok {
				_, teid, addr, _, err := gtpv2.DecodeFTEID(fteid.Value)
				if err == nil {
					s.bearer.SGWTEID = teid
					s.bearer.SGWAddr = addr
				}
			}
		}
	}
	if ie, ok := gtpv2.Find(ies, gtpv2.IEPaa, 0); ok && len(ie.Value) >= 5 {
		copy(s.paa[:], ie.Value[1:5])
	}

	s.State = StateULCtx
	s.retries = 0
	return nil
}

// ModifyBearer sends a Modify Bearer Request once the S1-U F-TEID from
// Initial Context Setup Response / Attach Complete's path switch is
// known, moving UlCtx -> wModBearerRsp -> UlCtx (S11_UlCtx.c).
func (s *Session) ModifyBearer(enbTEID uint32, enbAddr [4]byte) error {
	if s.State != StateULCtx {
		return fmt.Errorf("s11: Modify Bearer requested in state %s", s.State)
	}
	var bearerIEs []byte
	bearerIEs = append(bearerIEs, gtpv2.New(gtpv2.IEEbi, []byte{s.bearer.EBI}).Serialize()...)
	fteid := gtpv2.EncodeFTEID(0 /* S1-U eNB */, enbTEID, enbAddr)
	bearerIEs = append(bearerIEs, gtpv2.New(gtpv2.IEFTEID, fteid).Serialize()...)

	body := gtpv2.New(gtpv2.IEBearerContext, bearerIEs).Serialize()
	s.seq = nextSeq(s.seq)
	if err := s.sendWithHeader(gtpv2.MsgModifyBearerRequest, body); err != nil {
		return err
	}
	s.State = StateWaitModifyBearerResponse
	s.retries = 0
	return nil
}

// HandleModifyBearerResponse completes the Modify Bearer exchange,
// returning to UlCtx (S11_wModBearerRsp.c -> changeState(self, UlCtx)).
func (s *Session) HandleModifyBearerResponse(src string, body []byte) error {
	if s.State != StateWaitModifyBearerResponse {
		return fmt.Errorf("s11: Modify Bearer Response received in state %s", s.State)
	}
	if !s.validateSourceAddr(src) {
		return fmt.Errorf("s11: Modify Bearer Response from unexpected source %s", src)
	}
	ies, err := gtpv2.DecodeIEs(body)
	if err != nil {
		return err
	}
	if !accepted(ies) {
		return fmt.Errorf("s11: Modify Bearer rejected, cause=%d", cause(ies))
	}
	s.State = StateULCtx
	s.retries = 0
	return nil
}

// DeleteSession sends a Delete Session Request, moving to
// wDelSessionRsp (S11_wDelSessionRsp.c).
func (s *Session) DeleteSession() error {
	if s.State != StateULCtx {
		return fmt.Errorf("s11: Delete Session requested in state %s", s.State)
	}
	body := gtpv2.New(gtpv2.IEEbi, []byte{s.bearer.EBI}).Serialize()
	s.seq = nextSeq(s.seq)
	if err := s.sendWithHeader(gtpv2.MsgDeleteSessionRequest, body); err != nil {
		return err
	}
	s.State = StateWaitDeleteSessionResponse
	s.retries = 0
	return nil
}

// HandleDeleteSessionResponse completes teardown, moving to Terminal -
// the caller (internal/mme) then removes the session from the registry.
func (s *Session) HandleDeleteSessionResponse(src string, body []byte) error {
	if s.State != StateWaitDeleteSessionResponse {
		return fmt.Errorf("s11: Delete Session Response received in state %s", s.State)
	}
	if !s.validateSourceAddr(src) {
		return fmt.Errorf("s11: Delete Session Response from unexpected source %s", src)
	}
	ies, err := gtpv2.DecodeIEs(body)
	if err != nil {
		return err
	}
	if !accepted(ies) {
		return fmt.Errorf("s11: Delete Session rejected, cause=%d", cause(ies))
	}
	s.State = StateTerminal
	return nil
}

// Retransmit resends the last request if the per-session retry budget
// (N3, spec.md §6 mme.timers.n3) is not exhausted, else reports a GTP
// path failure by returning a non-nil error for the caller to count as
// mme_s11_path_failures_total.
func (s *Session) Retransmit() error {
	if s.pendingBody == nil {
		return nil // no request recorded, or ClearPending dropped it
	}
	s.retries++
	if s.retries > s.maxRetries {
		return fmt.Errorf("s11: GTP path failure to %s after %d retries", s.transport.PeerAddr(), s.maxRetries)
	}
	return s.sendWithHeader(s.pendingType, s.pendingBody)
}

func (s *Session) sendWithHeader(msgType uint8, body []byte) error {
	hdr := gtpv2.EncodeHeader(gtpv2.Header{MessageType: msgType, TEID: s.sgwCTEID, SequenceNumber: s.seq}, len(body))
	s.pendingType = msgType
	s.pendingBody = body
	return s.transport.Send(append(hdr, body...))
}

// PAA returns the IPv4 address the SGW/PGW allocated in the Create
// Session Response, zero until StateULCtx is reached.
func (s *Session) PAA() [4]byte { return s.paa }

// S1UFTEID returns the EPS Bearer ID and the SGW's S1-U F-TEID learned
// from Create Session Response, the identifiers Initial Context Setup
// Request must carry so the eNB knows where to forward uplink user
// plane traffic for the default bearer.
func (s *Session) S1UFTEID() (ebi uint8, teid uint32, addr [4]byte) {
	return s.bearer.EBI, s.bearer.SGWTEID, s.bearer.SGWAddr
}

// ClearPending drops the recorded request so a later Retransmit is a
// no-op. The Handle* methods do not call it: an accepted response
// leaves the request recorded until ClearPending is called.
func (s *Session) ClearPending() { s.pendingBody = nil }

// accepted reports whether the Cause IE in ies signals acceptance
// (GTPv2CauseRequestAccepted), fixing the original's `if(vsize=2)`
// always-true assignment bug: this checks the IE's actual length
// equals 2 octets (Cause value + spare byte, TS 29.274 §8.4) before
// trusting its contents.
func accepted(ies []gtpv2.IE) bool {
	ie, ok := gtpv2.Find(ies, gtpv2.IECause, 0)
	if !ok || len(ie.Value) != 2 {
		return false
	}
	return ie.Value[0] == gtpv2.CauseRequestAccepted
}

// cause returns the raw Cause value from ies, or 0 if absent/malformed.
func cause(ies []gtpv2.IE) uint8 {
	ie, ok := gtpv2.Find(ies, gtpv2.IECause, 0)
	if !ok || len(ie.Value) != 2 {
		return 0
	}
	return ie.Value[0]
}

// nextSeq advances a 24-bit GTPv2-C sequence number, wrapping back to 0
// rather than overflowing into the next octet (spec.md Open Question:
// the original increments a shared counter with no documented wrap
// behavior; this rewrite makes the wrap explicit since 24 bits is easy
// to exhaust in a long-lived session).
func nextSeq(cur uint32) uint32 {
	return (cur + 1) & 0xFFFFFF
}
