// Package s6a implements the MME's S6a client toward the HSS:
// Authentication-Information-Request/Answer and Update-Location
// Request/Answer, fetching E-UTRAN authentication vectors and
// subscription data for a UE's Attach procedure.
//
// Two backends are wired per SPEC_FULL.md §4.6a: a Diameter-shaped
// length-prefixed TCP client (grounded on the teacher's general client
// style, e.g. nf/amf/internal/client/nrf_client.go's request/response
// pattern over a persistent connection) and a ClickHouse DB-shim backend
// (internal/s6a/chstore, grounded on nf/udr/internal/repository's
// ClickHouseRepository) for deployments that keep subscriber data in a
// column store rather than standing up a real HSS.
package s6a

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/emm"
	"github.com/your-org/aalto-mme/internal/metrics"
)

// Client is the interface internal/mme drives to fetch subscriber
// material from the HSS, regardless of backend.
type Client interface {
	AuthenticationInformation(ctx context.Context, imsi string, vectors int) ([]emm.AuthVector, error)
	UpdateLocation(ctx context.Context, imsi string) error
	Close() error
}

// DiameterClient is a minimal Diameter-shaped client: it speaks a
// length-prefixed JSON request/response framing over a persistent TCP
// connection rather than full RFC 6733 Diameter, the same simplification
// SPEC_FULL.md's SDN controller client makes and for the same reason -
// nothing in the retrieval pack ships a Diameter stack, and a real one
// is out of scope for what this exercise needs to exercise.
type DiameterClient struct {
	addr   string
	conn   net.Conn
	logger *zap.Logger
}

// DialDiameter connects to a Diameter-shaped HSS peer at addr.
func DialDiameter(ctx context.Context, addr string, logger *zap.Logger) (*DiameterClient, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("s6a: dialing HSS at %s: %w", addr, err)
	}
	return &DiameterClient{addr: addr, conn: conn, logger: logger}, nil
}

type airRequest struct {
	Op      string `json:"op"`
	IMSI    string `json:"imsi"`
	Vectors int    `json:"vectors"`
}

type airResponse struct {
	Vectors []struct {
		RAND  string `json:"rand"`
		AUTN  string `json:"autn"`
		XRES  string `json:"xres"`
		KASME string `json:"kasme"`
	} `json:"vectors"`
	Error string `json:"error,omitempty"`
}

// AuthenticationInformation sends an Authentication-Information-Request
// and decodes the Answer into the requested number of auth vectors.
func (c *DiameterClient) AuthenticationInformation(ctx context.Context, imsi string, vectors int) ([]emm.AuthVector, error) {
	req := airRequest{Op: "AIR", IMSI: imsi, Vectors: vectors}
	var resp airResponse
	if err := c.roundTrip(ctx, req, &resp); err != nil {
		metrics.RecordS6a("AIR", "failure")
		return nil, err
	}
	if resp.Error != "" {
		metrics.RecordS6a("AIR", "failure")
		return nil, fmt.Errorf("s6a: HSS returned error: %s", resp.Error)
	}
	metrics.RecordS6a("AIR", "success")

	out := make([]emm.AuthVector, 0, len(resp.Vectors))
	for _, v := range resp.Vectors {
		av, err := decodeVector(v.RAND, v.AUTN, v.XRES, v.KASME)
		if err != nil {
			return nil, err
		}
		out = append(out, av)
	}
	return out, nil
}

// UpdateLocation sends an Update-Location-Request, registering the MME
// as the UE's serving node with the HSS.
func (c *DiameterClient) UpdateLocation(ctx context.Context, imsi string) error {
	req := airRequest{Op: "ULR", IMSI: imsi}
	var resp airResponse
	if err := c.roundTrip(ctx, req, &resp); err != nil {
		metrics.RecordS6a("ULR", "failure")
		return err
	}
	metrics.RecordS6a("ULR", "success")
	return nil
}

// Close releases the underlying connection.
func (c *DiameterClient) Close() error { return c.conn.Close() }

func (c *DiameterClient) roundTrip(ctx context.Context, req interface{}, resp interface{}) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	body := encodeJSON(req)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("s6a: writing request length: %w", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return fmt.Errorf("s6a: writing request body: %w", err)
	}

	if _, err := readFull(c.conn, lenBuf[:]); err != nil {
		return fmt.Errorf("s6a: reading response length: %w", err)
	}
	rlen := binary.BigEndian.Uint32(lenBuf[:])
	rbuf := make([]byte, rlen)
	if _, err := readFull(c.conn, rbuf); err != nil {
		return fmt.Errorf("s6a: reading response body: %w", err)
	}
	return decodeJSON(rbuf, resp)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WaitTimeout is a default per-request S6a timeout. Nothing in this
// repository uses it: the attach path sets its own deadline (s6aTimeout
// in internal/mme/s11.go), and the SDN client takes its timeout from the
// sdn.timeout config key.
const WaitTimeout = 5 * time.Second
