package s1assoc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

type fakeTransport struct {
	sent   [][]byte
	closed bool
}

func (t *fakeTransport) Send(b []byte) error {
	t.sent = append(t.sent, b)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

type fakeChecker struct{ served map[string]bool }

func (c *fakeChecker) ServesPLMN(plmn model.PLMN) bool { return c.served[plmn.String()] }

type fakeRouter struct {
	initialCalls int
	uplinkCalls  int
}

func (r *fakeRouter) OnInitialUEMessage(assocID, enbUEID uint32, nasPDU []byte, tai model.TAI) error {
	r.initialCalls++
	return nil
}

func (r *fakeRouter) OnUplinkNASTransport(mmeUEID uint32, nasPDU []byte) error {
	r.uplinkCalls++
	return nil
}

func testPLMN() model.PLMN { return model.PLMN{MCC: "001", MNC: "01"} }

func TestS1SetupRejectsUnknownPLMN(t *testing.T) {
	a := New(1, &fakeTransport{}, &fakeChecker{served: map[string]bool{}}, &fakeRouter{}, zap.NewNop())

	accept, cause := a.HandleS1SetupRequest("enb1", model.GlobalENBID{PLMN: testPLMN(), ENBID: 1},
		[]model.TAI{{PLMN: testPLMN(), TAC: 1}})

	require.False(t, accept)
	require.Equal(t, model.S1CauseMiscUnknownPLMN, cause)
	require.Equal(t, StateNotConfigured, a.State)
}

func TestS1SetupAcceptsKnownPLMN(t *testing.T) {
	checker := &fakeChecker{served: map[string]bool{testPLMN().String(): true}}
	a := New(1, &fakeTransport{}, checker, &fakeRouter{}, zap.NewNop())

	accept, _ := a.HandleS1SetupRequest("enb1", model.GlobalENBID{PLMN: testPLMN(), ENBID: 1},
		[]model.TAI{{PLMN: testPLMN(), TAC: 1}})

	require.True(t, accept)
	require.Equal(t, StateActive, a.State)
	require.Equal(t, "Active", a.State.String())
}

func TestInitialUEMessageRejectedBeforeActive(t *testing.T) {
	a := New(1, &fakeTransport{}, &fakeChecker{}, &fakeRouter{}, zap.NewNop())
	err := a.HandleInitialUEMessage(5, []byte("nas"), model.TAI{})
	require.Error(t, err)
}

func TestInitialUEMessageRoutedOnceActive(t *testing.T) {
	checker := &fakeChecker{served: map[string]bool{testPLMN().String(): true}}
	router := &fakeRouter{}
	a := New(1, &fakeTransport{}, checker, router, zap.NewNop())
	a.HandleS1SetupRequest("enb1", model.GlobalENBID{PLMN: testPLMN(), ENBID: 1},
		[]model.TAI{{PLMN: testPLMN(), TAC: 1}})

	require.NoError(t, a.HandleInitialUEMessage(5, []byte("nas"), model.TAI{}))
	require.Equal(t, 1, router.initialCalls)

	require.NoError(t, a.HandleUplinkNASTransport(1, []byte("nas2")))
	require.Equal(t, 1, router.uplinkCalls)
}

func TestSendPagingRequiresActive(t *testing.T) {
	a := New(1, &fakeTransport{}, &fakeChecker{}, &fakeRouter{}, zap.NewNop())
	require.Error(t, a.SendPaging([]byte("page")))
}

func TestLostClosesTransportAndResetsState(t *testing.T) {
	transport := &fakeTransport{}
	checker := &fakeChecker{served: map[string]bool{testPLMN().String(): true}}
	a := New(1, transport, checker, &fakeRouter{}, zap.NewNop())
	a.HandleS1SetupRequest("enb1", model.GlobalENBID{PLMN: testPLMN(), ENBID: 1},
		[]model.TAI{{PLMN: testPLMN(), TAC: 1}})

	a.Lost()

	require.True(t, transport.closed)
	require.Equal(t, StateNotConfigured, a.State)
}
