// Package emm implements the EPS Mobility Management state machine
// driving Attach, Authentication, Security Mode Command, and Detach,
// grounded on original_source/mme/S1/NAS/NAS_EMM.c. State names follow
// the original's EMM_State enum (EMM_Deregistered,
// EMM_CommonProcedureInitiated, EMM_SpecificProcedureInitiated,
// EMM_Registered, EMM_DeregisteredInitiated) rather than inventing new
// ones, since the spec's EMM module names the same five states.
package emm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/codec/nas"
	"github.com/your-org/aalto-mme/internal/model"
	"github.com/your-org/aalto-mme/internal/security"
)

// State is the EMM state, original_source's EMM_State.
type State int

const (
	StateDeregistered State = iota
	StateCommonProcedureInitiated
	StateSpecificProcedureInitiated
	StateRegistered
	StateDeregisteredInitiated
)

func (s State) String() string {
	switch s {
	case StateDeregistered:
		return "Deregistered"
	case StateCommonProcedureInitiated:
		return "CommonProcedureInitiated"
	case StateSpecificProcedureInitiated:
		return "SpecificProcedureInitiated"
	case StateRegistered:
		return "Registered"
	case StateDeregisteredInitiated:
		return "DeregisteredInitiated"
	default:
		return "Unknown"
	}
}

// AuthVector is one E-UTRAN authentication vector as returned by S6a
// Authentication-Information-Answer (RAND, AUTN, XRES, KASME).
type AuthVector struct {
	RAND  [16]byte
	AUTN  [16]byte
	XRES  []byte
	KASME [32]byte
}

// NASSender abstracts delivering an encoded NAS PDU to the UE, backed by
// the UE's ecm.Session in the coordinator.
type NASSender interface {
	Send(frame []byte) error

	// SendInitialContextSetup delivers Attach Accept the way TS 23.401
	// §5.3.2.1 steps 8-9 require: piggybacked inside S1AP Initial Context
	// Setup Request together with K_eNB and the default bearer's E-RAB
	// to be set up, rather than over a bare Downlink NAS Transport.
	SendInitialContextSetup(nasFrame []byte, kenb [32]byte, ebi uint8, sgwTEID uint32, sgwAddr [4]byte) error
}

// SessionEstablisher abstracts triggering the S11 Create Session once
// the first PDN connectivity request is known, so emm need not import
// internal/s11 or internal/esm.
type SessionEstablisher interface {
	CreateSession(mmeUEID uint32, imsi string, apn string) error
}

// Ctx is one UE's EMM state.
type Ctx struct {
	MMEUEID uint32
	State   State
	IMSI    string
	GUTI    *model.GUTI

	KSI      uint8
	OldKSI   uint8
	vectors  []AuthVector
	vecIndex int

	sec    security.Context
	oldSec *security.Context

	ulNASCount uint32
	dlNASCount uint32

	nasSender NASSender
	session   SessionEstablisher
	logger    *zap.Logger
}

// New creates an EMM context in Deregistered state for a freshly
// allocated UE.
func New(mmeUEID uint32, nasSender NASSender, session SessionEstablisher, logger *zap.Logger) *Ctx {
	return &Ctx{
		MMEUEID:   mmeUEID,
		State:     StateDeregistered,
		nasSender: nasSender,
		session:   session,
		logger:    logger,
	}
}

// StartAttach begins handling an Attach Request: stores the presented
// identity and moves to CommonProcedureInitiated pending S6a auth
// vectors, whether or not the IMSI is already locally known (the
// original always re-authenticates; this rewrite does too, there being
// no Non-goal excluding re-auth on every Attach).
func (c *Ctx) StartAttach(imsi string) error {
	if c.State != StateDeregistered && c.State != StateRegistered {
		return fmt.Errorf("emm: Attach Request received in state %s", c.State)
	}
	c.IMSI = imsi
	c.State = StateCommonProcedureInitiated
	return nil
}

// SetAuthVectors stores vectors fetched from S6a (internal/s6a) and
// resets the consumption index, mirroring emm->authQuadrs.
func (c *Ctx) SetAuthVectors(vectors []AuthVector) {
	c.vectors = vectors
	c.vecIndex = 0
}

// SendAuthenticationRequest emits an Authentication Request carrying the
// next unused vector's RAND/AUTN, advancing the NAS key set identity the
// way emm_sendAuthRequest does (ksi wraps at 6 back to 1, since KSI is a
// 3-bit field with 7 reserved as "no key available").
func (c *Ctx) SendAuthenticationRequest() error {
	if len(c.vectors) == 0 {
		return fmt.Errorf("emm: no authentication vectors available")
	}
	vec := c.vectors[c.vecIndex]

	if c.KSI < 6 {
		c.OldKSI = c.KSI
		c.KSI++
	} else {
		c.KSI = 1
	}

	body := make([]byte, 0, 34)
	body = append(body, c.KSI&0x0F)
	body = append(body, vec.RAND[:]...)
	body = append(body, byte(16))
	body = append(body, vec.AUTN[:]...)

	frame := nas.EncodePlain(nas.PDEMM, nas.MsgAuthenticationRequest, body)
	if err := c.nasSender.Send(frame); err != nil {
		return err
	}
	c.State = StateCommonProcedureInitiated
	return nil
}

// HandleAuthenticationResponse checks the UE's RES against the stored
// vector's XRES. A mismatch is an authentication failure (spec.md §8
// property 3) and returns the context to Deregistered; success derives
// K_ASME into the security context and advances toward Security Mode
// Command.
func (c *Ctx) HandleAuthenticationResponse(res []byte) error {
	if c.State != StateCommonProcedureInitiated {
		return fmt.Errorf("emm: Authentication Response received in state %s", c.State)
	}
	if c.vecIndex >= len(c.vectors) {
		return fmt.Errorf("emm: no pending authentication vector")
	}
	vec := c.vectors[c.vecIndex]
	if !constantTimeEqual(res, vec.XRES) {
		c.State = StateDeregistered
		return fmt.Errorf("emm: authentication response mismatch (cause=%d)", model.NASCauseMACFailure)
	}
	c.oldSec = &security.Context{KASME: c.sec.KASME}
	c.sec.KASME = vec.KASME
	c.vecIndex++
	return nil
}

// SendSecurityModeCommand derives the NAS integrity/ciphering keys for
// the negotiated algorithms and emits Security Mode Command, protected
// with the freshly derived K_NAS_int (TS 24.301 §5.4.3.2: SMC is itself
// integrity protected with the new context, security header type
// "integrity protected with new EPS security context").
func (c *Ctx) SendSecurityModeCommand(eiaID, eeaID uint8, replayedUECap []byte) ([]byte, error) {
	if c.State != StateCommonProcedureInitiated {
		return nil, fmt.Errorf("emm: cannot send SMC in state %s", c.State)
	}
	c.sec.DeriveNASKeys(eiaID, eeaID)

	body := make([]byte, 0, len(replayedUECap)+4)
	body = append(body, eeaID<<4|eiaID) // selected NAS security algorithms
	body = append(body, c.KSI&0x0F)
	body = append(body, replayedUECap...)

	plain := nas.EncodePlain(nas.PDEMM, nas.MsgSecurityModeCommand, body)
	mac, err := c.macFor(nas.SecHdrIntegrityNewCtx, c.dlNASCount, plain)
	if err != nil {
		return nil, err
	}
	frame := nas.EncodeProtected(nas.PDEMM, nas.SecHdrIntegrityNewCtx, byte(c.dlNASCount), mac, plain)
	c.dlNASCount++
	c.State = StateSpecificProcedureInitiated
	return frame, nil
}

// VerifySecurityModeComplete checks the MAC on an inbound protected NAS
// message against the newly derived K_NAS_int, resolving the spec's
// COUNT-windowing requirement via security.ReconstructCount/AcceptCount.
func (c *Ctx) VerifySecurityModeComplete(shortCount uint8, mac [4]byte, plain []byte) error {
	full := security.ReconstructCount(c.ulNASCount, uint32(shortCount), 8)
	if c.ulNASCount != 0 && !security.AcceptCount(c.ulNASCount, full) {
		return fmt.Errorf("emm: Security Mode Complete COUNT out of window (cause=%d)", model.NASCauseMACFailure)
	}
	want, err := c.macFor(nas.SecHdrIntegrityNewCtx, full, plain)
	if err != nil {
		return err
	}
	if want != mac {
		return fmt.Errorf("emm: Security Mode Complete MAC verification failed (cause=%d)", model.NASCauseMACFailure)
	}
	c.ulNASCount = full
	return nil
}

// macFor computes the EIA2 MAC over a plain NAS message the way the
// protected-header encoder expects: MAC = EIA2(K_NAS_int, COUNT, bearer,
// direction, pd||secHdrType||plain). Direction 0 is downlink (MME to
// UE) per TS 33.401 Annex B; the MME only ever MACs what it sends with
// direction 0 and verifies what it receives with direction 1.
func (c *Ctx) macFor(secHdrType uint8, count uint32, plain []byte) ([4]byte, error) {
	msg := append([]byte{nas.PDEMM, secHdrType}, plain...)
	// 128-EIA2 takes the 128 least significant bits of the 256-bit KDF
	// output as its key, TS 33.401 Annex A.7.
	return security.EIA2(c.sec.KNASInt[16:], count, 0, 0, msg, len(msg)*8)
}

// KeNB derives the current K_eNB for an Initial Context Setup / Attach
// Accept handover to the RAN key hierarchy, per generate_KeNB.
func (c *Ctx) KeNB() [32]byte {
	return c.sec.KeNB(c.ulNASCount)
}

// SendAttachAccept builds and emits an Attach Accept carrying the
// assigned GUTI and the default bearer context established by ESM,
// leaving the EMM state unchanged (Attach Complete, not Accept, is what
// the original waits for before fully registering - this rewrite
// matches that: state only becomes Registered in
// HandleAttachComplete). ebi/sgwTEID/sgwAddr identify the default
// bearer's SGW-facing S1-U F-TEID, taken from Create Session Response,
// so the eNB knows where to forward uplink user-plane traffic once
// Initial Context Setup completes.
func (c *Ctx) SendAttachAccept(guti model.GUTI, esmAcceptFrame []byte, ebi uint8, sgwTEID uint32, sgwAddr [4]byte) error {
	if c.State != StateSpecificProcedureInitiated {
		return fmt.Errorf("emm: cannot send Attach Accept in state %s", c.State)
	}
	c.GUTI = &guti

	body := make([]byte, 0, 16+len(esmAcceptFrame))
	body = append(body, byte(guti.MTMSI>>24), byte(guti.MTMSI>>16), byte(guti.MTMSI>>8), byte(guti.MTMSI))
	body = append(body, esmAcceptFrame...)

	plain := nas.EncodePlain(nas.PDEMM, nas.MsgAttachAccept, body)
	mac, err := c.macFor(nas.SecHdrIntegrityProtected, c.dlNASCount, plain)
	if err != nil {
		return err
	}
	frame := nas.EncodeProtected(nas.PDEMM, nas.SecHdrIntegrityProtected, byte(c.dlNASCount), mac, plain)
	c.dlNASCount++
	return c.nasSender.SendInitialContextSetup(frame, c.KeNB(), ebi, sgwTEID, sgwAddr)
}

// HandleAttachComplete finalizes the Attach procedure.
func (c *Ctx) HandleAttachComplete() error {
	if c.State != StateSpecificProcedureInitiated {
		return fmt.Errorf("emm: Attach Complete received in state %s", c.State)
	}
	c.State = StateRegistered
	return nil
}

// StartDetach begins UE- or network-initiated detach.
func (c *Ctx) StartDetach() {
	c.State = StateDeregisteredInitiated
}

// CompleteDetach finalizes detach, returning to Deregistered so the UE
// context can be torn down by the registry.
func (c *Ctx) CompleteDetach() {
	c.State = StateDeregistered
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
