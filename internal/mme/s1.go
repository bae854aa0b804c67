// S1-MME transport and non-UE-associated message handling. Real S1AP
// rides SCTP (PPID 18); nothing in the retrieval pack carries an SCTP
// binding (the pack's transports are all HTTP/TCP/UDP), so this port
// substitutes a plain TCP connection per eNB, each PDU framed with a
// 4-byte length prefix - the same pragmatic substitution
// internal/codec/s1ap already documents for the PER encoding itself.
package mme

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/codec/s1ap"
	"github.com/your-org/aalto-mme/internal/metrics"
	"github.com/your-org/aalto-mme/internal/model"
	"github.com/your-org/aalto-mme/internal/s1assoc"
)

func (c *Coordinator) acceptS1Loop() {
	for {
		conn, err := c.s1Listener.Accept()
		if err != nil {
			select {
			case <-c.reactor.Done():
				return
			default:
				c.logger.Warn("S1 accept error", zap.Error(err))
				continue
			}
		}
		c.reactor.Post(func() { c.onS1Accept(conn) })
	}
}

func (c *Coordinator) onS1Accept(conn net.Conn) {
	c.nextAssocID++
	id := c.nextAssocID

	transport := &s1Transport{conn: conn}
	fsm := s1assoc.New(id, transport, c, c, c.logger)

	c.mu.Lock()
	c.assocs[id] = &assocState{fsm: fsm, conn: conn}
	c.mu.Unlock()

	c.logger.Info("S1 connection accepted", zap.Uint32("assoc", id), zap.String("peer", conn.RemoteAddr().String()))
	go c.s1ReadLoop(id, conn)
}

func (c *Coordinator) s1ReadLoop(assocID uint32, conn net.Conn) {
	defer func() {
		c.reactor.Post(func() { c.onS1Lost(assocID) })
	}()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		msg, err := s1ap.Decode(body)
		if err != nil {
			c.logger.Warn("S1 decode error", zap.Uint32("assoc", assocID), zap.Error(err))
			continue
		}
		c.reactor.Post(func() { c.onS1Message(assocID, msg) })
	}
}

func (c *Coordinator) onS1Lost(assocID uint32) {
	c.mu.Lock()
	as, ok := c.assocs[assocID]
	if ok {
		delete(c.assocs, assocID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	as.fsm.Lost()
	if as.regAssocID != 0 {
		if assoc, err := c.reg.AssociationByHandle(as.regAssocID); err == nil {
			c.logger.Info("removing eNB association", zap.String("enb", assoc.GlobalENB.String()))
		}
		c.reg.RemoveAssociation(as.regAssocID)
	}

	// Every UE riding this association falls back to ECM-IDLE rather
	// than being torn down outright (spec.md §4.2 failure semantics:
	// "SCTP disconnect -> remove all UEs anchored on this eNB from
	// Connected (they fall back to Idle) and drop the association").
	c.mu.Lock()
	for _, ue := range c.ues {
		if ue.ecm.AssocID == assocID {
			ue.ecm.Release()
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) onS1Message(assocID uint32, msg s1ap.Message) {
	c.mu.Lock()
	as, ok := c.assocs[assocID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch msg.Header.ProcedureCode {
	case s1ap.ProcS1Setup:
		c.handleS1SetupRequest(as, msg)
	case s1ap.ProcInitialUEMessage:
		c.handleInitialUEMessage(as, msg)
	case s1ap.ProcUplinkNASTransport:
		c.handleUplinkNASTransport(as, msg)
	case s1ap.ProcInitialContextSetup:
		c.handleInitialContextSetupResponse(as, msg)
	case s1ap.ProcUEContextRelease:
		c.handleUEContextRelease(as, msg)
	default:
		c.logger.Debug("S1 message ignored", zap.Uint8("procedure", msg.Header.ProcedureCode))
	}
}

func (c *Coordinator) handleS1SetupRequest(as *assocState, msg s1ap.Message) {
	var enbName string
	if ie, ok := s1ap.Find(msg.IEs, s1ap.IEENBName); ok {
		enbName = string(ie.Value)
	}
	globalENBIE, ok := s1ap.Find(msg.IEs, s1ap.IEGlobalENBID)
	if !ok {
		c.logger.Warn("S1 Setup Request missing Global-eNB-ID")
		return
	}
	plmnBytes, enbID, err := s1ap.DecodeGlobalENBID(globalENBIE.Value)
	if err != nil {
		c.logger.Warn("S1 Setup Request malformed Global-eNB-ID", zap.Error(err))
		return
	}
	globalENB := model.GlobalENBID{PLMN: model.PLMNFromTBCD(plmnBytes), ENBID: enbID}

	var tais []model.TAI
	for _, ie := range msg.IEs {
		if ie.Tag != s1ap.IETAI {
			continue
		}
		plmnB, tac, err := s1ap.DecodeTAI(ie.Value)
		if err != nil {
			continue
		}
		tais = append(tais, model.TAI{PLMN: model.PLMNFromTBCD(plmnB), TAC: tac})
	}

	// A second S1 Setup for an already-associated eNB is rejected before
	// the per-connection FSM even looks at it (spec.md §4.8's
	// assoc_by_eNB invariant: one live S1 association per Global-eNB-ID).
	if existing, err := c.reg.AssociationByENB(globalENB); err == nil && existing.ID != as.regAssocID {
		c.logger.Warn("S1 Setup rejected: eNB already associated", zap.String("enb", globalENB.String()))
		resp := s1ap.Message{
			Header: s1ap.Header{ProcedureCode: s1ap.ProcS1Setup, TypeOfMessage: s1ap.TypeUnsuccessful},
			IEs:    []s1ap.IE{{Tag: s1ap.IECause, Value: []byte{model.S1CauseMiscUnknownPLMN}}},
		}
		if err := c.sendS1(as, resp); err != nil {
			c.logger.Warn("S1 Setup response send failed", zap.Error(err))
		}
		return
	}

	accept, cause := as.fsm.HandleS1SetupRequest(enbName, globalENB, tais)
	if accept {
		assoc := c.reg.CreateAssociation(globalENB)
		as.regAssocID = assoc.ID
	}

	var resp s1ap.Message
	if accept {
		resp = s1ap.Message{Header: s1ap.Header{ProcedureCode: s1ap.ProcS1Setup, TypeOfMessage: s1ap.TypeSuccessful}}
	} else {
		resp = s1ap.Message{
			Header: s1ap.Header{ProcedureCode: s1ap.ProcS1Setup, TypeOfMessage: s1ap.TypeUnsuccessful},
			IEs:    []s1ap.IE{{Tag: s1ap.IECause, Value: []byte{cause}}},
		}
	}
	if err := c.sendS1(as, resp); err != nil {
		c.logger.Warn("S1 Setup response send failed", zap.Error(err))
	}
}

func (c *Coordinator) handleInitialUEMessage(as *assocState, msg s1ap.Message) {
	enbUEIDIE, ok := s1ap.Find(msg.IEs, s1ap.IEENBUES1APID)
	if !ok || len(enbUEIDIE.Value) != 4 {
		c.logger.Warn("Initial UE Message missing eNB-UE-S1AP-ID")
		return
	}
	enbUEID := binary.BigEndian.Uint32(enbUEIDIE.Value)

	nasIE, ok := s1ap.Find(msg.IEs, s1ap.IENASPDU)
	if !ok {
		c.logger.Warn("Initial UE Message missing NAS-PDU")
		return
	}

	var tai model.TAI
	if ie, ok := s1ap.Find(msg.IEs, s1ap.IETAI); ok {
		if plmnB, tac, err := s1ap.DecodeTAI(ie.Value); err == nil {
			tai = model.TAI{PLMN: model.PLMNFromTBCD(plmnB), TAC: tac}
		}
	}

	if err := as.fsm.HandleInitialUEMessage(enbUEID, nasIE.Value, tai); err != nil {
		c.logger.Warn("Initial UE Message rejected", zap.Error(err))
	}
}

func (c *Coordinator) handleUplinkNASTransport(as *assocState, msg s1ap.Message) {
	ueIDIE, ok := s1ap.Find(msg.IEs, s1ap.IEMMEUES1APID)
	if !ok || len(ueIDIE.Value) != 4 {
		return
	}
	mmeUEID := binary.BigEndian.Uint32(ueIDIE.Value)
	nasIE, ok := s1ap.Find(msg.IEs, s1ap.IENASPDU)
	if !ok {
		return
	}
	if err := as.fsm.HandleUplinkNASTransport(mmeUEID, nasIE.Value); err != nil {
		c.logger.Warn("Uplink NAS Transport rejected", zap.Error(err))
	}
}

// handleInitialContextSetupResponse completes the Initial Context Setup
// procedure Attach Accept rides: it decodes the eNB's own F-TEID for the
// default bearer out of the E-RAB Setup Item and hands it to the UE's
// S11 session so Modify Bearer Request can switch the SGW's downlink
// path to the eNB (spec.md §4.4 steps 8-9), then asks the SDN controller
// to program the bearer's forwarding path with the now-real identifiers.
func (c *Coordinator) handleInitialContextSetupResponse(as *assocState, msg s1ap.Message) {
	if msg.Header.TypeOfMessage != s1ap.TypeSuccessful {
		c.logger.Warn("Initial Context Setup failed", zap.Uint32("assoc", as.fsm.ID))
		return
	}

	ueIDIE, ok := s1ap.Find(msg.IEs, s1ap.IEMMEUES1APID)
	if !ok || len(ueIDIE.Value) != 4 {
		c.logger.Warn("Initial Context Setup Response missing MME-UE-S1AP-ID")
		return
	}
	mmeUEID := binary.BigEndian.Uint32(ueIDIE.Value)

	erabIE, ok := s1ap.Find(msg.IEs, s1ap.IEERABToBeSetup)
	if !ok {
		c.logger.Warn("Initial Context Setup Response missing E-RAB Setup item", zap.Uint32("ue", mmeUEID))
		return
	}
	_, enbTEID, enbAddr, err := s1ap.DecodeERABItem(erabIE.Value)
	if err != nil {
		c.logger.Warn("Initial Context Setup Response malformed E-RAB item", zap.Uint32("ue", mmeUEID), zap.Error(err))
		return
	}

	c.mu.Lock()
	sess, ok := c.s11Sess[mmeUEID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.ModifyBearer(enbTEID, enbAddr); err != nil {
		c.logger.Warn("Modify Bearer Request failed", zap.Uint32("ue", mmeUEID), zap.Error(err))
		return
	}

	ue, ok := c.ueByID(mmeUEID)
	if !ok {
		return
	}
	if conn, ok := ue.esm.ByPTI(ue.pendingPTI); ok {
		enbIP := net.IP(enbAddr[:]).String()
		go c.installBearerPath(ue.emm.IMSI, uint8(conn.EBI), enbTEID, enbIP)
	}
}

func (c *Coordinator) handleUEContextRelease(as *assocState, msg s1ap.Message) {
	ueIDIE, ok := s1ap.Find(msg.IEs, s1ap.IEMMEUES1APID)
	if !ok || len(ueIDIE.Value) != 4 {
		return
	}
	mmeUEID := binary.BigEndian.Uint32(ueIDIE.Value)
	c.mu.Lock()
	ue, ok := c.ues[mmeUEID]
	c.mu.Unlock()
	if !ok {
		return
	}
	ue.ecm.Release()
}

// OnInitialUEMessage implements s1assoc.UERouter: it allocates a fresh
// UE context (a brand-new S1 signalling connection always gets a new
// MME-UE-S1AP-ID, matching the original's allocation-on-InitialUEMessage
// behavior) and feeds the carried NAS-PDU into it.
func (c *Coordinator) OnInitialUEMessage(assocID uint32, enbUEID uint32, nasPDU []byte, tai model.TAI) error {
	ue, err := c.reg.AllocateUEID()
	if err != nil {
		metrics.UEIDExhaustion.Inc()
		return err
	}

	st := c.newUEState(ue.MMEUES1APID)
	st.ecm.Connect(assocID, enbUEID)
	if tai != (model.TAI{}) {
		st.tais = []model.TAI{tai}
	}

	c.mu.Lock()
	c.ues[uint32(ue.MMEUES1APID)] = st
	c.mu.Unlock()

	return c.handleUplinkNAS(uint32(ue.MMEUES1APID), nasPDU)
}

// OnUplinkNASTransport implements s1assoc.UERouter for subsequent uplink
// NAS PDUs on an already-known UE.
func (c *Coordinator) OnUplinkNASTransport(mmeUEID uint32, nasPDU []byte) error {
	return c.handleUplinkNAS(mmeUEID, nasPDU)
}

// SendDownlinkNAS implements ecm.Sink: push an already-encoded NAS frame
// to the eNB over the owning association's Downlink NAS Transport.
func (c *Coordinator) SendDownlinkNAS(assocID uint32, enbUEID uint32, frame []byte) error {
	c.mu.Lock()
	as, ok := c.assocs[assocID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("mme: association %d not found", assocID)
	}

	var enbUEIDBuf [4]byte
	binary.BigEndian.PutUint32(enbUEIDBuf[:], enbUEID)

	msg := s1ap.Message{
		Header: s1ap.Header{ProcedureCode: s1ap.ProcDownlinkNASTransport, TypeOfMessage: s1ap.TypeInitiating},
		IEs: []s1ap.IE{
			{Tag: s1ap.IEENBUES1APID, Value: enbUEIDBuf[:]},
			{Tag: s1ap.IENASPDU, Value: frame},
		},
	}
	return c.sendS1(as, msg)
}

// SendInitialContextSetup implements ecm.Sink: deliver Attach Accept
// piggybacked on Initial Context Setup Request, carrying K_eNB and the
// default bearer's E-RAB to be set up (spec.md §4.4 steps 8-9).
func (c *Coordinator) SendInitialContextSetup(assocID, enbUEID, mmeUEID uint32, nasFrame []byte, kenb [32]byte, ebi uint8, sgwTEID uint32, sgwAddr [4]byte) error {
	c.mu.Lock()
	as, ok := c.assocs[assocID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("mme: association %d not found", assocID)
	}

	var enbUEIDBuf, mmeUEIDBuf [4]byte
	binary.BigEndian.PutUint32(enbUEIDBuf[:], enbUEID)
	binary.BigEndian.PutUint32(mmeUEIDBuf[:], mmeUEID)

	msg := s1ap.Message{
		Header: s1ap.Header{ProcedureCode: s1ap.ProcInitialContextSetup, TypeOfMessage: s1ap.TypeInitiating},
		IEs: []s1ap.IE{
			{Tag: s1ap.IEMMEUES1APID, Value: mmeUEIDBuf[:]},
			{Tag: s1ap.IEENBUES1APID, Value: enbUEIDBuf[:]},
			{Tag: s1ap.IESecurityKey, Value: kenb[:]},
			{Tag: s1ap.IENASPDU, Value: nasFrame},
			{Tag: s1ap.IEERABToBeSetup, Value: s1ap.EncodeERABItem(ebi, sgwTEID, sgwAddr)},
		},
	}
	return c.sendS1(as, msg)
}

func (c *Coordinator) sendS1(as *assocState, msg s1ap.Message) error {
	body := s1ap.Encode(msg)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	_, err := as.conn.Write(append(lenBuf[:], body...))
	return err
}

// s1Transport adapts a net.Conn to s1assoc.Transport, framing every
// outbound PDU with its 4-byte length prefix.
type s1Transport struct {
	conn net.Conn
}

func (t *s1Transport) Send(b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	_, err := t.conn.Write(append(lenBuf[:], b...))
	return err
}

func (t *s1Transport) Close() error { return t.conn.Close() }
