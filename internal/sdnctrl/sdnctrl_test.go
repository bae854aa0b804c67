package sdnctrl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeController accepts one length-prefixed JSON request and replies
// with a fixed response, mimicking the opaque RPC shape the real SDN
// controller exposes.
func fakeController(t *testing.T, handle func(req BearerPathRequest) BearerPathResponse) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var lenBuf [4]byte
		if _, err := readFull(conn, lenBuf[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := readFull(conn, body); err != nil {
			return
		}
		var req BearerPathRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}

		resp := handle(req)
		respBody, _ := json.Marshal(resp)
		var outLen [4]byte
		binary.BigEndian.PutUint32(outLen[:], uint32(len(respBody)))
		conn.Write(append(outLen[:], respBody...))
	}()

	return ln.Addr().String()
}

func TestInstallBearerPathSendsRequestIDAndOp(t *testing.T) {
	var seen BearerPathRequest
	addr := fakeController(t, func(req BearerPathRequest) BearerPathResponse {
		seen = req
		return BearerPathResponse{OK: true}
	})

	c := New(addr, 2*time.Second, zap.NewNop())
	err := c.InstallBearerPath(context.Background(), BearerPathRequest{IMSI: "001010000000001", EBI: 5})
	require.NoError(t, err)

	require.Equal(t, "install", seen.Op)
	require.NotEmpty(t, seen.RequestID)
	require.Equal(t, "001010000000001", seen.IMSI)
}

func TestRemoveBearerPathPropagatesControllerRejection(t *testing.T) {
	addr := fakeController(t, func(req BearerPathRequest) BearerPathResponse {
		return BearerPathResponse{OK: false, Error: "no such path"}
	})

	c := New(addr, 2*time.Second, zap.NewNop())
	err := c.RemoveBearerPath(context.Background(), BearerPathRequest{IMSI: "001010000000001", EBI: 5})
	require.Error(t, err)
}
