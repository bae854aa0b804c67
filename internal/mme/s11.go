// S11 GTPv2-C transport: a single UDP socket shared by every UE's
// s11.Session, dispatched by the local TEID each session registers
// (the SGW always addresses its response to that TEID, since the MME
// never learns the SGW's own control TEID until the Create Session
// Response's F-TEID IE arrives).
package mme

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/codec/gtpv2"
	"github.com/your-org/aalto-mme/internal/codec/nas"
	"github.com/your-org/aalto-mme/internal/model"
	"github.com/your-org/aalto-mme/internal/opview"
	"github.com/your-org/aalto-mme/internal/paging"
	"github.com/your-org/aalto-mme/internal/registry"
	"github.com/your-org/aalto-mme/internal/s11"
	"github.com/your-org/aalto-mme/internal/sdnctrl"
)

const s6aTimeout = 5 * time.Second

func (c *Coordinator) s11ReadLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := c.s11Conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.reactor.Done():
				return
			default:
				c.logger.Warn("S11 read error", zap.Error(err))
				continue
			}
		}
		datagram := append([]byte(nil), buf[:n]...)
		srcIP := addr.IP.String()
		c.reactor.Post(func() { c.onS11Datagram(srcIP, datagram) })
	}
}

func (c *Coordinator) onS11Datagram(src string, datagram []byte) {
	hdr, offset, err := gtpv2.DecodeHeader(datagram)
	if err != nil {
		c.logger.Warn("S11 header decode failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	mmeUEID, ok := c.s11ByTEID[hdr.TEID]
	var sess *s11.Session
	if ok {
		sess = c.s11Sess[mmeUEID]
	}
	c.mu.Unlock()
	if sess == nil {
		c.logger.Warn("S11 datagram for unknown local TEID", zap.Uint32("teid", hdr.TEID))
		return
	}

	body := datagram[offset:]
	switch hdr.MessageType {
	case gtpv2.MsgCreateSessionResponse:
		c.onCreateSessionResponse(mmeUEID, sess, src, body)
	case gtpv2.MsgModifyBearerResponse:
		if err := sess.HandleModifyBearerResponse(src, body); err != nil {
			c.logger.Warn("Modify Bearer Response rejected", zap.Error(err))
		}
	case gtpv2.MsgDeleteSessionResponse:
		if err := sess.HandleDeleteSessionResponse(src, body); err != nil {
			c.logger.Warn("Delete Session Response rejected", zap.Error(err))
			return
		}
		c.mu.Lock()
		delete(c.s11Sess, mmeUEID)
		for teid, id := range c.s11ByTEID {
			if id == mmeUEID {
				delete(c.s11ByTEID, teid)
			}
		}
		c.mu.Unlock()
	default:
		c.logger.Debug("S11 message ignored", zap.Uint8("type", hdr.MessageType))
	}
}

// onCreateSessionResponse completes the half of the Attach procedure
// that only the SGW's response can supply - the allocated PDN address -
// then emits Attach Accept carrying it, matching spec.md §4.5 step 8
// ("S11 Create Session Response -> ESM activates the default bearer ->
// EMM sends Attach Accept").
func (c *Coordinator) onCreateSessionResponse(mmeUEID uint32, sess *s11.Session, src string, body []byte) {
	if err := sess.HandleCreateSessionResponse(src, body); err != nil {
		c.logger.Warn("Create Session rejected", zap.Uint32("ue", mmeUEID), zap.Error(err))
		return
	}

	ue, ok := c.ueByID(mmeUEID)
	if !ok {
		return
	}
	conn, ok := ue.esm.ByPTI(ue.pendingPTI)
	if !ok {
		c.logger.Warn("Create Session Response for UE with no pending PDN connection", zap.Uint32("ue", mmeUEID))
		return
	}
	conn.PAA = sess.PAA()

	esmBody := make([]byte, 0, 8)
	esmBody = append(esmBody, ue.pendingPTI, byte(conn.EBI))
	esmBody = append(esmBody, conn.PAA[:]...)
	esmAccept := nas.EncodePlain(nas.PDESM, nas.MsgActivateDefaultEPSBearerContextRequest, esmBody)

	guti := c.allocateGUTI(mmeUEID)
	if regUE, err := c.reg.UEByHandle(registry.MMEUES1APID(mmeUEID)); err == nil {
		c.reg.BindGUTI(regUE, guti)
	}
	ebi, sgwTEID, sgwAddr := sess.S1UFTEID()
	if err := ue.emm.SendAttachAccept(guti, esmAccept, ebi, sgwTEID, sgwAddr); err != nil {
		c.logger.Warn("Attach Accept send failed", zap.Error(err))
	}
	if ue.attachSpan != nil {
		ue.attachSpan.End()
		ue.attachSpan = nil
	}

	// The eNB's own S1-U F-TEID, and thus the real bearer path, is only
	// known once Initial Context Setup Response arrives
	// (handleInitialContextSetupResponse in s1.go) - that handler drives
	// Modify Bearer Request and the SDN InstallBearerPath call.
}

// installBearerPath asks the SDN controller to program GTP-U forwarding
// for the bearer just established, once the eNB's own F-TEID is known
// from Initial Context Setup Response. Runs off the reactor goroutine
// since it is a network round trip; failures are logged only, matching
// spec.md's framing of the SDN path as best-effort bearer-plane wiring
// rather than a control-plane correctness dependency.
func (c *Coordinator) installBearerPath(imsi string, ebi uint8, enbTEID uint32, enbAddr string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SDN.Timeout)
	defer cancel()
	req := sdnctrl.BearerPathRequest{IMSI: imsi, EBI: ebi, ENBTEID: enbTEID, ENBAddress: enbAddr}
	if err := c.sdn.InstallBearerPath(ctx, req); err != nil {
		c.logger.Warn("SDN InstallBearerPath failed", zap.String("imsi", imsi), zap.Error(err))
	}
}

// removeBearerPath is the teardown counterpart, fired on detach/release.
func (c *Coordinator) removeBearerPath(imsi string, ebi uint8) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SDN.Timeout)
	defer cancel()
	req := sdnctrl.BearerPathRequest{IMSI: imsi, EBI: ebi}
	if err := c.sdn.RemoveBearerPath(ctx, req); err != nil {
		c.logger.Warn("SDN RemoveBearerPath failed", zap.String("imsi", imsi), zap.Error(err))
	}
}

// allocateGUTI builds a GUTI from this MME's first served GUMMEI and the
// UE's own MME-UE-S1AP-ID as the M-TMSI: simple and collision-free within
// one MME's lifetime since MME-UE-S1AP-IDs are themselves unique handles,
// and the original's own M-TMSI allocator is not carried into this port
// beyond its documented dependency on the UE context index.
func (c *Coordinator) allocateGUTI(mmeUEID uint32) model.GUTI {
	var gummei model.GUMMEI
	if len(c.cfg.MME.ServedGUMMEIs) > 0 {
		g := c.cfg.MME.ServedGUMMEIs[0]
		if len(g.ServedPLMNs) > 0 {
			gummei.PLMN = model.PLMN{MCC: g.ServedPLMNs[0].MCC, MNC: g.ServedPLMNs[0].MNC}
		}
		if len(g.ServedGroupIDs) > 0 {
			gummei.MMEGroupID = g.ServedGroupIDs[0]
		}
		if len(g.ServedMMECodes) > 0 {
			gummei.MMECode = g.ServedMMECodes[0]
		}
	}
	return model.GUTI{GUMMEI: gummei, MTMSI: mmeUEID}
}

// s11Transport adapts the coordinator's shared UDP socket to
// s11.Transport for one UE's session.
type s11Transport struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func (t *s11Transport) Send(b []byte) error {
	_, err := t.conn.WriteToUDP(b, t.peer)
	return err
}

func (t *s11Transport) PeerAddr() string { return t.peer.IP.String() }

// Associations implements paging.AssociationSource.
func (c *Coordinator) Associations() []paging.AssociationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]paging.AssociationView, 0, len(c.assocs))
	for id, as := range c.assocs {
		out = append(out, paging.AssociationView{ID: id, ServedTAIs: as.fsm.ServedTAIs})
	}
	return out
}

// SendPaging implements paging.Sender.
func (c *Coordinator) SendPaging(assocID uint32, frame []byte) error {
	c.mu.Lock()
	as, ok := c.assocs[assocID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("mme: association %d not found", assocID)
	}
	return as.fsm.SendPaging(frame)
}

// Stats implements opview.Operator.
func (c *Coordinator) Stats() opview.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var connected int
	for _, ue := range c.ues {
		if ue.ecm.State.String() == "Connected" {
			connected++
		}
	}
	var registered int
	for _, ue := range c.ues {
		if ue.emm.State.String() == "Registered" {
			registered++
		}
	}
	return opview.Stats{
		AssociatedENBs: c.reg.AssociationCount(),
		RegisteredUEs:  registered,
		ConnectedUEs:   connected,
		TotalUEs:       len(c.ues),
	}
}

// ListUEs implements opview.Operator.
func (c *Coordinator) ListUEs() []opview.UEView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]opview.UEView, 0, len(c.ues))
	for id, ue := range c.ues {
		out = append(out, opview.UEView{
			MMEUES1APID: id,
			IMSI:        ue.emm.IMSI,
			EMMState:    ue.emm.State.String(),
			ECMState:    ue.ecm.State.String(),
			BearerCount: len(ue.esm.Connections()),
		})
	}
	return out
}

// ReleaseUE implements opview.Operator: an operator-triggered detach,
// used by the Cmd socket's "release_ue" op and the admin HTTP DELETE
// /ues/{imsi} route.
func (c *Coordinator) ReleaseUE(imsi string) error {
	c.mu.Lock()
	var mmeUEID uint32
	var ue *ueState
	for id, u := range c.ues {
		if u.emm.IMSI == imsi {
			mmeUEID, ue = id, u
			break
		}
	}
	c.mu.Unlock()
	if ue == nil {
		return fmt.Errorf("mme: no UE context for IMSI %s", imsi)
	}

	ue.emm.StartDetach()
	c.mu.Lock()
	sess, ok := c.s11Sess[mmeUEID]
	c.mu.Unlock()
	if ok {
		_ = sess.DeleteSession()
	}
	ue.ecm.Release()

	c.mu.Lock()
	delete(c.ues, mmeUEID)
	c.mu.Unlock()
	c.reg.Remove(registry.MMEUES1APID(mmeUEID))
	return nil
}
