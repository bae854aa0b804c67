// Package s1assoc implements the per-eNB S1AP association state
// machine: NotConfigured until a successful S1 Setup, then Active for
// as long as the SCTP association and Non-UE signalling stay healthy.
// Grounded on original_source/mme/S1/S1Assoc_NotConfigured.c (S1 Setup
// handling, including the unknown-PLMN reject path) and
// original_source/mme/S1/S1Assoc_Active.c's responsibilities as
// described by the header files in the same directory (UE-associated
// message relay, Error Indication, Reset).
package s1assoc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

// State names the association's lifecycle stage.
type State int

const (
	StateNotConfigured State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNotConfigured:
		return "NotConfigured"
	case StateActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// Transport is the minimal send surface the association needs from its
// SCTP connection; the real socket lives in internal/mme, which injects
// an implementation here so this package never imports net/transport
// code directly.
type Transport interface {
	Send(b []byte) error
	Close() error
}

// PLMNChecker reports whether plmn is one of the MME's served PLMNs,
// injected so this package doesn't need to know about internal/config.
type PLMNChecker interface {
	ServesPLMN(plmn model.PLMN) bool
}

// UERouter is implemented by the coordinator (internal/mme) to hand an
// Initial UE Message or Uplink NAS Transport PDU off to the right UE
// context, and to learn where a Downlink NAS Transport / Paging message
// should go.
type UERouter interface {
	// OnInitialUEMessage creates (or resumes) a UE context for a new S1AP
	// UE-associated signalling connection arriving on this association.
	OnInitialUEMessage(assocID uint32, enbUEID uint32, nasPDU []byte, tai model.TAI) error
	// OnUplinkNASTransport delivers a subsequent uplink NAS PDU for an
	// already-known MME-UE-S1AP-ID.
	OnUplinkNASTransport(mmeUEID uint32, nasPDU []byte) error
}

// Assoc is one eNB's S1AP association.
type Assoc struct {
	ID        uint32
	State     State
	GlobalENB model.GlobalENBID
	ENBName   string
	ServedTAIs []model.TAI

	transport Transport
	checker   PLMNChecker
	router    UERouter
	logger    *zap.Logger
}

// New creates an association in NotConfigured state for a freshly
// accepted SCTP connection. The association only becomes addressable
// by eNB identity once S1 Setup succeeds.
func New(id uint32, transport Transport, checker PLMNChecker, router UERouter, logger *zap.Logger) *Assoc {
	return &Assoc{
		ID:        id,
		State:     StateNotConfigured,
		transport: transport,
		checker:   checker,
		router:    router,
		logger:    logger,
	}
}

// HandleS1SetupRequest processes an S1 Setup Request, the only message
// accepted in NotConfigured state (original's processMsg ignores
// anything else until setup succeeds). supportedTAIs is the eNB's
// Supported TAs IE, already decoded to model.TAI by the caller.
func (a *Assoc) HandleS1SetupRequest(enbName string, globalENB model.GlobalENBID, supportedTAIs []model.TAI) (accept bool, cause uint8) {
	if a.State != StateNotConfigured {
		a.logger.Warn("S1 Setup Request on already-configured association", zap.Uint32("assoc", a.ID))
		return false, model.S1CauseMiscUnknownPLMN
	}

	a.ENBName = enbName
	a.GlobalENB = globalENB
	a.ServedTAIs = supportedTAIs

	anySupported := false
	for _, tai := range supportedTAIs {
		if a.checker.ServesPLMN(tai.PLMN) {
			anySupported = true
			break
		}
	}
	if !anySupported {
		a.logger.Info("S1 Setup rejected: unknown PLMN", zap.String("enb", enbName))
		return false, model.S1CauseMiscUnknownPLMN
	}

	a.State = StateActive
	a.logger.Info("S1 Setup accepted, new eNB association", zap.String("enb", enbName), zap.Uint32("assoc", a.ID))
	return true, 0
}

// HandleInitialUEMessage relays a freshly arrived UE-associated
// signalling connection to the router. Only valid once Active.
func (a *Assoc) HandleInitialUEMessage(enbUEID uint32, nasPDU []byte, tai model.TAI) error {
	if a.State != StateActive {
		return fmt.Errorf("s1assoc: Initial UE Message on association %d not yet Active", a.ID)
	}
	return a.router.OnInitialUEMessage(a.ID, enbUEID, nasPDU, tai)
}

// HandleUplinkNASTransport relays a subsequent uplink NAS PDU.
func (a *Assoc) HandleUplinkNASTransport(mmeUEID uint32, nasPDU []byte) error {
	if a.State != StateActive {
		return fmt.Errorf("s1assoc: Uplink NAS Transport on association %d not yet Active", a.ID)
	}
	return a.router.OnUplinkNASTransport(mmeUEID, nasPDU)
}

// SendDownlinkNASTransport pushes a Downlink NAS Transport PDU frame
// (already encoded by internal/codec/s1ap) out over the transport.
func (a *Assoc) SendDownlinkNASTransport(frame []byte) error {
	if a.State != StateActive {
		return fmt.Errorf("s1assoc: cannot send on association %d, not Active", a.ID)
	}
	return a.transport.Send(frame)
}

// SendPaging pushes a Paging PDU, used by internal/paging to broadcast.
func (a *Assoc) SendPaging(frame []byte) error {
	if a.State != StateActive {
		return fmt.Errorf("s1assoc: cannot page on association %d, not Active", a.ID)
	}
	return a.transport.Send(frame)
}

// Lost marks the association dead after an SCTP failure or explicit
// close, mirroring the original's teardown when the SCTP layer reports
// COMM_LOST. Callers (internal/mme) are responsible for driving every UE
// still riding this association to ECM-IDLE before discarding it.
func (a *Assoc) Lost() {
	a.State = StateNotConfigured
	_ = a.transport.Close()
	a.logger.Info("S1 association lost", zap.Uint32("assoc", a.ID), zap.String("enb", a.ENBName))
}
