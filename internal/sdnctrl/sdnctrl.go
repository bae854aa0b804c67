// Package sdnctrl implements the MME's outbound client toward an SDN
// controller (SPEC_FULL.md §4.6b): a length-prefixed JSON-over-TCP RPC,
// generalizing the request/response shape of the teacher's HTTP NRF
// client (nf/amf/internal/client/nrf_client.go) from HTTP onto a plain
// TCP socket, since the controller this MME talks to exposes no REST
// surface - only an opaque control channel the original treats as a
// black box for bearer path programming.
package sdnctrl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client talks to the SDN controller over a persistent TCP connection,
// serializing requests so a single connection can be reused safely from
// the reactor goroutine.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New creates a Client; the connection is established lazily on first
// use so a controller that isn't up yet doesn't block MME startup.
func New(addr string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{addr: addr, timeout: timeout, logger: logger}
}

// BearerPathRequest asks the controller to program a GTP-U forwarding
// rule for a newly established or modified bearer.
type BearerPathRequest struct {
	RequestID  string `json:"request_id"` // correlates controller-side logs with ours
	Op         string `json:"op"`         // "install" | "remove"
	IMSI       string `json:"imsi"`
	EBI        uint8  `json:"ebi"`
	ENBTEID    uint32 `json:"enb_teid"`
	ENBAddress string `json:"enb_address"`
	SGWTEID    uint32 `json:"sgw_teid"`
}

// BearerPathResponse is the controller's acknowledgement.
type BearerPathResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// InstallBearerPath requests the controller program forwarding for a
// newly activated default bearer.
func (c *Client) InstallBearerPath(ctx context.Context, req BearerPathRequest) error {
	req.Op = "install"
	req.RequestID = uuid.New().String()
	var resp BearerPathResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("sdnctrl: controller rejected bearer install: %s", resp.Error)
	}
	return nil
}

// RemoveBearerPath requests teardown of a previously installed path.
func (c *Client) RemoveBearerPath(ctx context.Context, req BearerPathRequest) error {
	req.Op = "remove"
	req.RequestID = uuid.New().String()
	var resp BearerPathResponse
	if err := c.call(ctx, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("sdnctrl: controller rejected bearer removal: %s", resp.Error)
	}
	return nil
}

func (c *Client) call(ctx context.Context, req interface{}, resp interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		d := net.Dialer{Timeout: c.timeout}
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return fmt.Errorf("sdnctrl: dialing controller at %s: %w", c.addr, err)
		}
		c.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sdnctrl: encoding request: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.conn.Write(append(lenBuf[:], body...)); err != nil {
		c.invalidate()
		return fmt.Errorf("sdnctrl: writing request: %w", err)
	}

	if _, err := readFull(c.conn, lenBuf[:]); err != nil {
		c.invalidate()
		return fmt.Errorf("sdnctrl: reading response length: %w", err)
	}
	rbuf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := readFull(c.conn, rbuf); err != nil {
		c.invalidate()
		return fmt.Errorf("sdnctrl: reading response body: %w", err)
	}
	return json.Unmarshal(rbuf, resp)
}

func (c *Client) invalidate() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
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

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidate()
	return nil
}
