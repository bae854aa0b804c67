package ecm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	sent    [][]byte
	assocID uint32
	enbUEID uint32

	icsSent   [][]byte
	icsKeNB   [32]byte
	icsEBI    uint8
	icsSGWTEID uint32
}

func (f *fakeSink) SendDownlinkNAS(assocID uint32, enbUEID uint32, frame []byte) error {
	f.assocID = assocID
	f.enbUEID = enbUEID
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSink) SendInitialContextSetup(assocID, enbUEID, mmeUEID uint32, nasFrame []byte, kenb [32]byte, ebi uint8, sgwTEID uint32, sgwAddr [4]byte) error {
	f.assocID = assocID
	f.enbUEID = enbUEID
	f.icsSent = append(f.icsSent, nasFrame)
	f.icsKeNB = kenb
	f.icsEBI = ebi
	f.icsSGWTEID = sgwTEID
	return nil
}

func (f *fakeSink) Page(tais []uint64) error { return nil }

func TestSessionStartsIdle(t *testing.T) {
	s := New(1, &fakeSink{}, zap.NewNop())
	require.Equal(t, StateIdle, s.State)
	require.Equal(t, "Idle", s.State.String())
}

func TestSendWhileIdleFails(t *testing.T) {
	s := New(1, &fakeSink{}, zap.NewNop())
	err := s.Send([]byte("frame"))
	require.Error(t, err)
}

func TestConnectThenSendDelivers(t *testing.T) {
	sink := &fakeSink{}
	s := New(1, sink, zap.NewNop())

	s.Connect(7, 42)
	require.Equal(t, StateConnected, s.State)
	require.Equal(t, "Connected", s.State.String())

	require.NoError(t, s.Send([]byte("hello")))
	require.Len(t, sink.sent, 1)
	require.Equal(t, uint32(7), sink.assocID)
	require.Equal(t, uint32(42), sink.enbUEID)
}

func TestReleaseReturnsToIdle(t *testing.T) {
	sink := &fakeSink{}
	s := New(1, sink, zap.NewNop())
	s.Connect(7, 42)

	s.Release()
	require.Equal(t, StateIdle, s.State)
	require.Zero(t, s.AssocID)
	require.Zero(t, s.ENBUEID)

	err := s.Send([]byte("frame"))
	require.Error(t, err)
}

func TestSendInitialContextSetupWhileIdleFails(t *testing.T) {
	s := New(1, &fakeSink{}, zap.NewNop())
	err := s.SendInitialContextSetup([]byte("frame"), [32]byte{}, 5, 10, [4]byte{10, 0, 0, 1})
	require.Error(t, err)
}

func TestConnectThenSendInitialContextSetupDelivers(t *testing.T) {
	sink := &fakeSink{}
	s := New(1, sink, zap.NewNop())
	s.Connect(7, 42)

	kenb := [32]byte{1, 2, 3}
	err := s.SendInitialContextSetup([]byte("accept"), kenb, 5, 99, [4]byte{10, 0, 0, 1})
	require.NoError(t, err)
	require.Len(t, sink.icsSent, 1)
	require.Equal(t, uint32(7), sink.assocID)
	require.Equal(t, uint32(42), sink.enbUEID)
	require.Equal(t, kenb, sink.icsKeNB)
	require.Equal(t, uint8(5), sink.icsEBI)
	require.Equal(t, uint32(99), sink.icsSGWTEID)
}
