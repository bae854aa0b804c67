// Package ecm implements the EPS Connection Management state machine:
// ECM-IDLE while the UE has no S1 signalling connection, ECM-CONNECTED
// while one is up. This is a thin layer compared to EMM/ESM in the
// original (the C implementation folds most of it into S1Assoc and
// NAS_EMM bookkeeping) but is split out here as its own package the way
// the specification names it, so paging and downlink delivery have one
// place to ask "is this UE reachable right now".
package ecm

import (
	"fmt"

	"go.uber.org/zap"
)

// State is the ECM connection state, TS 23.401 §4.6.2.
type State int

const (
	StateIdle State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "Connected"
	}
	return "Idle"
}

// Sink is implemented by the coordinator to actually move bytes once the
// ECM layer has decided the UE is reachable.
type Sink interface {
	SendDownlinkNAS(assocID uint32, enbUEID uint32, frame []byte) error
	SendInitialContextSetup(assocID, enbUEID, mmeUEID uint32, nasFrame []byte, kenb [32]byte, ebi uint8, sgwTEID uint32, sgwAddr [4]byte) error
	Page(tais []uint64) error // opaque TAI keys; internal/mme resolves them
}

// Session is one UE's ECM state.
type Session struct {
	MMEUEID  uint32
	State    State
	AssocID  uint32
	ENBUEID  uint32

	sink   Sink
	logger *zap.Logger
}

// New creates a Session in ECM-IDLE (the state a freshly allocated UE
// context starts in before any S1 signalling connection exists).
func New(mmeUEID uint32, sink Sink, logger *zap.Logger) *Session {
	return &Session{MMEUEID: mmeUEID, State: StateIdle, sink: sink, logger: logger}
}

// Connect transitions Idle -> Connected when an Initial UE Message or a
// Service Request establishes (or re-establishes) the S1 signalling
// connection.
func (s *Session) Connect(assocID, enbUEID uint32) {
	s.AssocID = assocID
	s.ENBUEID = enbUEID
	if s.State != StateConnected {
		s.logger.Debug("ECM Idle->Connected", zap.Uint32("ue", s.MMEUEID))
	}
	s.State = StateConnected
}

// Release transitions Connected -> Idle, e.g. on UE Context Release
// Complete or loss of the underlying S1 association.
func (s *Session) Release() {
	if s.State == StateConnected {
		s.logger.Debug("ECM Connected->Idle", zap.Uint32("ue", s.MMEUEID))
	}
	s.State = StateIdle
	s.AssocID = 0
	s.ENBUEID = 0
}

// Send delivers a downlink NAS frame if the UE is reachable, returning
// an error that callers (EMM/ESM) should interpret as "page first" when
// the UE is Idle.
func (s *Session) Send(frame []byte) error {
	if s.State != StateConnected {
		return fmt.Errorf("ecm: UE %d is ECM-IDLE, cannot send directly", s.MMEUEID)
	}
	return s.sink.SendDownlinkNAS(s.AssocID, s.ENBUEID, frame)
}

// SendInitialContextSetup implements emm.NASSender for the one downlink
// NAS message (Attach Accept) that must ride Initial Context Setup
// Request instead of a bare Downlink NAS Transport, carrying K_eNB and
// the default bearer's E-RAB to be set up to the eNB.
func (s *Session) SendInitialContextSetup(nasFrame []byte, kenb [32]byte, ebi uint8, sgwTEID uint32, sgwAddr [4]byte) error {
	if s.State != StateConnected {
		return fmt.Errorf("ecm: UE %d is ECM-IDLE, cannot send Initial Context Setup", s.MMEUEID)
	}
	return s.sink.SendInitialContextSetup(s.AssocID, s.ENBUEID, s.MMEUEID, nasFrame, kenb, ebi, sgwTEID, sgwAddr)
}
