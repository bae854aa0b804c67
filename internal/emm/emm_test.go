package emm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/codec/nas"
	"github.com/your-org/aalto-mme/internal/model"
)

// fakeNASSender records every frame/ICS request handed to it, standing in
// for the coordinator's ecm.Session the way s1assoc_test.go's fakes stand
// in for a net.Conn.
type fakeNASSender struct {
	sent []byte

	icsCalled bool
	icsFrame  []byte
	icsKeNB   [32]byte
	icsEBI    uint8
	icsTEID   uint32
	icsAddr   [4]byte
}

func (f *fakeNASSender) Send(frame []byte) error {
	f.sent = frame
	return nil
}

func (f *fakeNASSender) SendInitialContextSetup(frame []byte, kenb [32]byte, ebi uint8, sgwTEID uint32, sgwAddr [4]byte) error {
	f.icsCalled = true
	f.icsFrame = frame
	f.icsKeNB = kenb
	f.icsEBI = ebi
	f.icsTEID = sgwTEID
	f.icsAddr = sgwAddr
	return nil
}

// fakeSessionEstablisher records CreateSession calls; emm never calls it
// directly (the coordinator does, once SMC completes), but it still has
// to satisfy the Ctx constructor's SessionEstablisher parameter.
type fakeSessionEstablisher struct {
	called bool
}

func (f *fakeSessionEstablisher) CreateSession(mmeUEID uint32, imsi string, apn string) error {
	f.called = true
	return nil
}

const testIMSI = "1010101010101"

func testVector() AuthVector {
	return AuthVector{
		RAND:  [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		AUTN:  [16]byte{17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32},
		XRES:  []byte{0xAA, 0xBB, 0xCC, 0xDD},
		KASME: [32]byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
}

// smcCompleteFrame builds a correctly-MACed Security Mode Complete body
// for ctx's current security context, the way a conformant UE would.
func smcCompleteFrame(t *testing.T, c *Ctx, count uint32) (uint8, [4]byte, []byte) {
	t.Helper()
	plain := nas.EncodePlain(nas.PDEMM, nas.MsgSecurityModeComplete, nil)
	mac, err := c.macFor(nas.SecHdrIntegrityNewCtx, count, plain)
	require.NoError(t, err)
	return uint8(count), mac, plain
}

// TestAttachHappyPath drives scenario 4: a scripted Attach Request's worth
// of EMM-level calls (auth vectors already fetched from S6a, a canned
// Create-Session response already available) through to Attach Accept
// piggybacked on Initial Context Setup Request and Attach Complete,
// matching spec.md §8 scenario 4 ("expect final Attach Accept emitted,
// EMM state = Registered").
func TestAttachHappyPath(t *testing.T) {
	sender := &fakeNASSender{}
	session := &fakeSessionEstablisher{}
	c := New(1, sender, session, zap.NewNop())

	require.NoError(t, c.StartAttach(testIMSI))
	require.Equal(t, StateCommonProcedureInitiated, c.State)

	vec := testVector()
	c.SetAuthVectors([]AuthVector{vec})
	require.NoError(t, c.SendAuthenticationRequest())
	require.Equal(t, uint8(1), c.KSI)

	require.NoError(t, c.HandleAuthenticationResponse(vec.XRES))

	smcFrame, err := c.SendSecurityModeCommand(2, 1, []byte{0x01})
	require.NoError(t, err)
	require.NotEmpty(t, smcFrame)
	require.Equal(t, StateSpecificProcedureInitiated, c.State)

	seq, mac, plain := smcCompleteFrame(t, c, 0)
	require.NoError(t, c.VerifySecurityModeComplete(seq, mac, plain))

	guti := model.GUTI{
		GUMMEI: model.GUMMEI{
			PLMN:       model.PLMN{MCC: "001", MNC: "01"},
			MMEGroupID: 1,
			MMECode:    1,
		},
		MTMSI: 0x1,
	}
	sgwAddr := [4]byte{10, 0, 0, 1}
	require.NoError(t, c.SendAttachAccept(guti, []byte{0xAA}, 5, 77, sgwAddr))
	require.True(t, sender.icsCalled)
	require.Equal(t, uint8(5), sender.icsEBI)
	require.Equal(t, uint32(77), sender.icsTEID)
	require.Equal(t, sgwAddr, sender.icsAddr)
	require.NotZero(t, sender.icsKeNB)

	require.NoError(t, c.HandleAttachComplete())
	require.Equal(t, StateRegistered, c.State)
	require.Equal(t, &guti, c.GUTI)
}

// TestAttachWithAuthenticationMismatchRejected drives scenario 5: a
// corrupted Authentication Response RES must fail verification and return
// EMM to Deregistered rather than advancing toward Security Mode Command
// or Attach Accept, matching spec.md §8 scenario 5 ("corrupt the
// Authentication Response RES; expect Authentication Reject").
func TestAttachWithAuthenticationMismatchRejected(t *testing.T) {
	sender := &fakeNASSender{}
	session := &fakeSessionEstablisher{}
	c := New(1, sender, session, zap.NewNop())

	require.NoError(t, c.StartAttach(testIMSI))
	vec := testVector()
	c.SetAuthVectors([]AuthVector{vec})
	require.NoError(t, c.SendAuthenticationRequest())

	corruptRES := []byte{0x00, 0x00, 0x00, 0x00}
	err := c.HandleAuthenticationResponse(corruptRES)
	require.Error(t, err)

	// no progress toward SMC/Attach Accept: state fell back to
	// Deregistered, and nothing downstream of Authentication Response
	// was ever reached.
	require.Equal(t, StateDeregistered, c.State)
	require.False(t, session.called)
	require.False(t, sender.icsCalled)

	_, err = c.SendSecurityModeCommand(2, 1, nil)
	require.Error(t, err)
}

// TestSecurityModeCompleteMACFailureRejected covers the MAC-failure half
// of scenario 5 one layer down: a Security Mode Complete whose MAC does
// not match the freshly derived K_NAS_int must be rejected rather than
// silently accepted, independent of which field was corrupted.
func TestSecurityModeCompleteMACFailureRejected(t *testing.T) {
	sender := &fakeNASSender{}
	session := &fakeSessionEstablisher{}
	c := New(1, sender, session, zap.NewNop())

	require.NoError(t, c.StartAttach(testIMSI))
	vec := testVector()
	c.SetAuthVectors([]AuthVector{vec})
	require.NoError(t, c.SendAuthenticationRequest())
	require.NoError(t, c.HandleAuthenticationResponse(vec.XRES))
	_, err := c.SendSecurityModeCommand(2, 1, nil)
	require.NoError(t, err)

	_, mac, plain := smcCompleteFrame(t, c, 0)
	mac[0] ^= 0xFF // corrupt the MAC a conformant UE would have sent
	err = c.VerifySecurityModeComplete(0, mac, plain)
	require.Error(t, err)
}
