// Attach/Authentication/Security-Mode/Detach orchestration: this is the
// Go-native counterpart of NAS_EMM.c's per-state processMsg dispatch,
// generalized from a single EMMCtx owning its ecm/esm/s6a collaborators
// by direct pointer to a Coordinator satisfying each collaborator's
// injected interface.
package mme

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/codec/nas"
	"github.com/your-org/aalto-mme/internal/codec/s1ap"
	"github.com/your-org/aalto-mme/internal/ecm"
	"github.com/your-org/aalto-mme/internal/emm"
	"github.com/your-org/aalto-mme/internal/esm"
	"github.com/your-org/aalto-mme/internal/metrics"
	"github.com/your-org/aalto-mme/internal/model"
	"github.com/your-org/aalto-mme/internal/registry"
	"github.com/your-org/aalto-mme/internal/s11"
)

// defaultEIA/defaultEEA are the NAS security algorithms this MME
// negotiates: 128-EIA2 for integrity (the only one internal/security
// implements) and EEA0 (null ciphering) since NAS confidentiality is a
// declared Non-goal (spec.md "ciphering/EEA algorithms beyond a no-op").
const (
	defaultEIA uint8 = 2
	defaultEEA uint8 = 0
)

func (c *Coordinator) newUEState(id registry.MMEUES1APID) *ueState {
	mmeUEID := uint32(id)
	ecmSess := ecm.New(mmeUEID, c, c.logger)
	emmCtx := emm.New(mmeUEID, ecmSess, c, c.logger)
	esmCtx := esm.New(mmeUEID, c.logger)
	return &ueState{emm: emmCtx, esm: esmCtx, ecm: ecmSess}
}

func (c *Coordinator) ueByID(mmeUEID uint32) (*ueState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ue, ok := c.ues[mmeUEID]
	return ue, ok
}

// isProtected reports whether raw is a security-header-protected NAS
// message rather than a plain one. Every EMM/ESM message type this
// codec defines is numbered above 4 (TS 24.301 §9.8/§9.9 message type
// ranges), and every security header type is in [0,4] (TS 24.301
// §9.3.1), so the second octet alone disambiguates the two envelope
// shapes without needing a side channel.
func isProtected(raw []byte) bool {
	return len(raw) >= 2 && raw[1] <= 4
}

// handleUplinkNAS is the single entry point for every uplink NAS PDU,
// whether it arrived via Initial UE Message or Uplink NAS Transport.
func (c *Coordinator) handleUplinkNAS(mmeUEID uint32, raw []byte) error {
	ue, ok := c.ueByID(mmeUEID)
	if !ok {
		return fmt.Errorf("mme: uplink NAS for unknown UE %d", mmeUEID)
	}

	if !isProtected(raw) {
		pd, msgType, body, err := nas.DecodePlain(raw)
		if err != nil {
			return err
		}
		if pd != nas.PDEMM || msgType != nas.MsgAttachRequest {
			return fmt.Errorf("mme: unexpected plain NAS message pd=%d type=%d", pd, msgType)
		}
		return c.handleAttachRequest(ue, body)
	}

	hdr, plain, err := nas.DecodeProtected(raw)
	if err != nil {
		return err
	}
	pd, msgType, body, err := nas.DecodePlain(plain)
	if err != nil {
		return err
	}
	if pd != nas.PDEMM {
		return fmt.Errorf("mme: unexpected protocol discriminator %d in protected NAS", pd)
	}

	switch msgType {
	case nas.MsgAuthenticationResponse:
		return c.handleAuthenticationResponse(ue, body)
	case nas.MsgSecurityModeComplete:
		return c.handleSecurityModeComplete(ue, hdr, plain)
	case nas.MsgAttachComplete:
		return c.handleAttachComplete(ue)
	case nas.MsgDetachRequest:
		return c.handleDetachRequest(ue)
	default:
		return fmt.Errorf("mme: unhandled protected EMM message type %d", msgType)
	}
}

// resolveAttachIdentity decodes the EPS Mobile Identity carried in an
// Attach Request, which may present either the permanent IMSI or a GUTI
// from a previous Attach (TS 24.301 §5.5.1.2.3 "the UE shall include a
// GUTI if it holds a valid one"). A GUTI is resolved back to the IMSI
// of the UE context it last named, matching spec.md §4.8's invariant
// that M-TMSI/IMSI/MME-UE-S1AP-ID must resolve to the same context.
func (c *Coordinator) resolveAttachIdentity(v []byte) (string, error) {
	idType, err := nas.IdentityType(v)
	if err != nil {
		return "", err
	}
	if idType != 6 {
		return nas.DecodeEPSMobileIdentityIMSI(v)
	}
	guti, err := nas.DecodeEPSMobileIdentityGUTI(v)
	if err != nil {
		return "", err
	}
	old, err := c.reg.UEByMTMSI(guti.MTMSI)
	if err != nil {
		return "", fmt.Errorf("mme: GUTI with M-TMSI %d does not resolve to a known UE context", guti.MTMSI)
	}
	if old.IMSI == "" {
		return "", fmt.Errorf("mme: GUTI with M-TMSI %d resolved to a UE context with no bound IMSI", guti.MTMSI)
	}
	return old.IMSI, nil
}

// attach request wire layout (this port's own convention, there being no
// ASN.1/TLV spec to follow byte-for-byte without a PER stack): a
// length-prefixed EPS Mobile Identity followed by a length-prefixed ESM
// message container (itself a full plain NAS message carrying the PDN
// Connectivity Request).
func (c *Coordinator) handleAttachRequest(ue *ueState, body []byte) error {
	if len(body) < 1 {
		return fmt.Errorf("mme: empty Attach Request body")
	}
	idLen := int(body[0])
	if len(body) < 1+idLen+1 {
		return fmt.Errorf("mme: truncated Attach Request identity")
	}
	idValue := body[1 : 1+idLen]
	imsi, err := c.resolveAttachIdentity(idValue)
	if err != nil {
		return err
	}

	off := 1 + idLen
	esmLen := int(body[off])
	off++
	if len(body) < off+esmLen {
		return fmt.Errorf("mme: truncated Attach Request ESM container")
	}
	esmContainer := body[off : off+esmLen]

	epd, emsgType, ebody, err := nas.DecodePlain(esmContainer)
	if err != nil {
		return err
	}
	if epd != nas.PDESM || emsgType != nas.MsgPDNConnectivityRequest {
		return fmt.Errorf("mme: Attach Request ESM container is not a PDN Connectivity Request")
	}
	if len(ebody) < 2 {
		return fmt.Errorf("mme: truncated PDN Connectivity Request")
	}
	pti := ebody[0]
	apnLen := int(ebody[1])
	if len(ebody) < 2+apnLen {
		return fmt.Errorf("mme: truncated PDN Connectivity Request APN")
	}
	apn := string(ebody[2 : 2+apnLen])

	_, span := c.tracer.Start(context.Background(), "Attach")
	span.SetAttributes(attribute.String("imsi", imsi), attribute.String("apn", apn))
	ue.attachSpan = span

	if err := ue.emm.StartAttach(imsi); err != nil {
		metrics.RecordAttach("failure")
		span.End()
		return err
	}
	if regUE, err := c.reg.UEByHandle(registry.MMEUES1APID(ue.emm.MMEUEID)); err == nil {
		c.reg.BindIMSI(regUE, imsi)
	}
	ue.esm.RequestPDNConnectivity(pti, apn)
	ue.pendingAPN = apn
	ue.pendingPTI = pti

	c.logger.Info("Attach Request received", zap.String("imsi", imsi), zap.String("apn", apn))

	go c.fetchAuthVectors(ue.emm.MMEUEID, imsi)
	return nil
}

// fetchAuthVectors runs on its own goroutine (S6a is a network round
// trip, never performed on the reactor goroutine) and posts the result
// back in, matching spec.md §5's "everything that blocks hands its
// completion back through Post".
func (c *Coordinator) fetchAuthVectors(mmeUEID uint32, imsi string) {
	ctx, cancel := context.WithTimeout(context.Background(), s6aTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "S6a.AuthenticationInformation")
	vectors, err := c.s6aClient.AuthenticationInformation(ctx, imsi, 1)
	span.End()
	c.reactor.Post(func() {
		ue, ok := c.ueByID(mmeUEID)
		if !ok {
			return
		}
		if err != nil {
			c.logger.Warn("S6a Authentication-Information failed", zap.String("imsi", imsi), zap.Error(err))
			metrics.RecordAttach("failure")
			if ue.attachSpan != nil {
				ue.attachSpan.End()
			}
			return
		}
		vecs := make([]emm.AuthVector, len(vectors))
		copy(vecs, vectors)
		ue.emm.SetAuthVectors(vecs)
		if err := ue.emm.SendAuthenticationRequest(); err != nil {
			c.logger.Warn("sending Authentication Request failed", zap.Error(err))
		}
	})
}

func (c *Coordinator) handleAuthenticationResponse(ue *ueState, body []byte) error {
	if len(body) < 1 {
		return fmt.Errorf("mme: empty Authentication Response")
	}
	resLen := int(body[0])
	if len(body) < 1+resLen {
		return fmt.Errorf("mme: truncated Authentication Response RES")
	}
	res := body[1 : 1+resLen]

	if err := ue.emm.HandleAuthenticationResponse(res); err != nil {
		metrics.RecordAuthFailure("mac-mismatch")
		metrics.RecordAttach("failure")
		if ue.attachSpan != nil {
			ue.attachSpan.End()
		}
		frame := nas.EncodePlain(nas.PDEMM, nas.MsgAuthenticationReject, nil)
		_ = ue.ecm.Send(frame)
		return err
	}
	frame, err := ue.emm.SendSecurityModeCommand(defaultEIA, defaultEEA, nil)
	if err != nil {
		return err
	}
	return c.sendOrPage(ue, frame)
}

func (c *Coordinator) handleSecurityModeComplete(ue *ueState, hdr nas.ProtectedHeader, plain []byte) error {
	if err := ue.emm.VerifySecurityModeComplete(hdr.SequenceNumber, hdr.MAC, plain); err != nil {
		metrics.RecordAuthFailure("smc-mac-mismatch")
		metrics.RecordAttach("failure")
		if ue.attachSpan != nil {
			ue.attachSpan.End()
		}
		return err
	}

	if err := c.CreateSession(ue.emm.MMEUEID, ue.emm.IMSI, ue.pendingAPN); err != nil {
		frame := nas.EncodePlain(nas.PDEMM, nas.MsgAttachReject, []byte{model.NASCauseNetworkFailure})
		_ = c.sendOrPage(ue, frame)
		metrics.RecordAttach("failure")
		if ue.attachSpan != nil {
			ue.attachSpan.End()
		}
		return err
	}
	return nil
}

// CreateSession implements emm.SessionEstablisher: triggers the S11
// Create Session Request once the UE's security context is up,
// matching spec.md's attach-happy-path step 7 ("ESM triggers S11
// Create-Session via the S11 user FSM").
func (c *Coordinator) CreateSession(mmeUEID uint32, imsi string, apn string) error {
	conn, err := ue11Conn(c)
	if err != nil {
		return err
	}

	teid := c.allocTEID()
	transport := &s11Transport{conn: conn, peer: c.s11PeerAddr()}
	sess := s11.New(mmeUEID, transport, c.cfg.MME.Timers.N3, c.logger)
	sess.SGWAddr = c.cfg.MME.S11.SGWAddress

	c.mu.Lock()
	c.s11Sess[mmeUEID] = sess
	c.s11ByTEID[teid] = mmeUEID
	c.mu.Unlock()

	ebi, err := func() (uint8, error) {
		ue, ok := c.ueByID(mmeUEID)
		if !ok {
			return 0, fmt.Errorf("mme: UE %d vanished before Create Session", mmeUEID)
		}
		conn, err := ue.esm.ActivateDefaultBearer(ue.pendingPTI, [4]byte{})
		if err != nil {
			return 0, err
		}
		return uint8(conn.EBI), nil
	}()
	if err != nil {
		return err
	}

	_, span := c.tracer.Start(context.Background(), "S11.CreateSession")
	err = sess.CreateSession(imsi, apn, teid, c.localIP, ebi)
	span.End()
	return err
}

func ue11Conn(c *Coordinator) (*net.UDPConn, error) {
	if c.s11Conn == nil {
		return nil, fmt.Errorf("mme: S11 socket not bound")
	}
	return c.s11Conn, nil
}

func (c *Coordinator) s11PeerAddr() *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", c.cfg.MME.S11.SGWAddress)
	if err != nil {
		c.logger.Warn("invalid mme.s11.sgw_address, using loopback", zap.Error(err))
		addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2123}
	}
	return addr
}

func (c *Coordinator) handleAttachComplete(ue *ueState) error {
	if err := ue.emm.HandleAttachComplete(); err != nil {
		return err
	}
	ue.esm.ConfirmBearer(ue.pendingPTI)
	metrics.RecordAttach("success")
	c.logger.Info("Attach complete", zap.String("imsi", ue.emm.IMSI), zap.Uint32("ue", ue.emm.MMEUEID))

	// Modify Bearer Request itself already fired from
	// handleInitialContextSetupResponse once the eNB's real S1-U F-TEID
	// came back in Initial Context Setup Response (spec.md §4.4 steps
	// 8-9); Attach Complete only finalizes EMM/ESM state here.
	return nil
}

func (c *Coordinator) handleDetachRequest(ue *ueState) error {
	ue.emm.StartDetach()
	c.mu.Lock()
	sess, ok := c.s11Sess[ue.emm.MMEUEID]
	c.mu.Unlock()
	if ok {
		if err := sess.DeleteSession(); err != nil {
			c.logger.Warn("Delete Session Request failed", zap.Error(err))
		}
	}
	if conn, ok := ue.esm.ByPTI(ue.pendingPTI); ok {
		go c.removeBearerPath(ue.emm.IMSI, uint8(conn.EBI))
	}
	frame := nas.EncodePlain(nas.PDEMM, nas.MsgDetachAccept, nil)
	_ = c.sendOrPage(ue, frame)
	return nil
}

// sendOrPage attempts immediate delivery via ECM; if the UE is
// ECM-IDLE, it pages across the UE's last known tracking area(s)
// instead of failing outright (spec.md §4.2/§4.9: downlink arrival for
// an Idle UE triggers Paging).
func (c *Coordinator) sendOrPage(ue *ueState, frame []byte) error {
	if err := ue.ecm.Send(frame); err == nil {
		return nil
	}
	c.pageUE(ue, frame)
	return nil
}

func (c *Coordinator) pageUE(ue *ueState, frame []byte) {
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], ue.emm.MMEUEID)
	msg := s1ap.Message{
		Header: s1ap.Header{ProcedureCode: s1ap.ProcPaging, TypeOfMessage: s1ap.TypeInitiating},
		IEs:    []s1ap.IE{{Tag: s1ap.IEUEPagingID, Value: idBuf[:]}},
	}
	pageFrame := s1ap.Encode(msg)
	sent := c.paging.Page(ue.tais, pageFrame)
	c.logger.Debug("paged UE", zap.Uint32("ue", ue.emm.MMEUEID), zap.Int("associations_paged", sent))
	metrics.PagingBroadcasts.Inc()
}

// Page implements ecm.Sink's abstract paging trigger with no UE context
// available (ecm.Session only knows tracking areas as opaque keys); the
// concrete per-UE paging path with a UE identity IE is pageUE above,
// reached directly from the procedures that need it. This satisfies the
// interface for any caller that only has TAI keys to hand.
func (c *Coordinator) Page(taiKeys []uint64) error {
	tais := make([]model.TAI, 0, len(taiKeys))
	for _, k := range taiKeys {
		tais = append(tais, taiFromKey(k))
	}
	frame := s1ap.Encode(s1ap.Message{Header: s1ap.Header{ProcedureCode: s1ap.ProcPaging, TypeOfMessage: s1ap.TypeInitiating}})
	if sent := c.paging.Page(tais, frame); sent == 0 {
		return fmt.Errorf("mme: paging reached no associations")
	}
	return nil
}

func tAIKey(t model.TAI) uint64 {
	tbcd := t.PLMN.TBCD()
	return uint64(tbcd[0])<<40 | uint64(tbcd[1])<<32 | uint64(tbcd[2])<<24 | uint64(t.TAC)<<8
}

func taiFromKey(k uint64) model.TAI {
	var tbcd [3]byte
	tbcd[0] = byte(k >> 40)
	tbcd[1] = byte(k >> 32)
	tbcd[2] = byte(k >> 24)
	tac := uint16(k >> 8)
	return model.TAI{PLMN: model.PLMNFromTBCD(tbcd), TAC: tac}
}
