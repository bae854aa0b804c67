// Package cmdsocket implements the MME's local operator RPC: a UDP
// socket bound to loopback that accepts one JSON request per datagram
// and replies with one JSON datagram (spec.md §6 "Cmd, UDP, local RPC,
// localhost"). The request/response shape mirrors the teacher's HTTP
// handlers (nf/nrf/internal/server/handlers.go's respondJSON/respondError
// pair) generalized off HTTP status codes onto a single {"ok":...}
// envelope, since UDP has no status line to reuse.
package cmdsocket

import (
	"encoding/json"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/opview"
)

// Server is the UDP command socket.
type Server struct {
	conn     *net.UDPConn
	operator opview.Operator
	logger   *zap.Logger
	done     chan struct{}
}

type request struct {
	Op   string `json:"op"`
	IMSI string `json:"imsi,omitempty"`
}

type response struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Listen binds the UDP socket at bindAddr (normally 127.0.0.1:9090 per
// config.CmdConfig).
func Listen(bindAddr string, operator opview.Operator, logger *zap.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("cmdsocket: resolving %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("cmdsocket: binding %s: %w", bindAddr, err)
	}
	return &Server{conn: conn, operator: operator, logger: logger, done: make(chan struct{})}, nil
}

// Serve reads datagrams until Close is called. Each request is handled
// synchronously against the Operator, which internal/mme implements by
// posting onto the reactor and blocking for the result - acceptable here
// since admin/debug traffic is not on the NAS/S1AP hot path.
func (s *Server) Serve() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("cmdsocket: read error", zap.Error(err))
				continue
			}
		}
		resp := s.handle(buf[:n])
		body, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("cmdsocket: encoding response", zap.Error(err))
			continue
		}
		if _, err := s.conn.WriteToUDP(body, addr); err != nil {
			s.logger.Warn("cmdsocket: write error", zap.Error(err), zap.Stringer("peer", addr))
		}
	}
}

func (s *Server) handle(raw []byte) response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)}
	}

	switch req.Op {
	case "stats":
		return response{OK: true, Data: s.operator.Stats()}
	case "list_ues":
		return response{OK: true, Data: s.operator.ListUEs()}
	case "release_ue":
		if req.IMSI == "" {
			return response{OK: false, Error: "release_ue requires imsi"}
		}
		if err := s.operator.ReleaseUE(req.IMSI); err != nil {
			return response{OK: false, Error: err.Error()}
		}
		return response{OK: true}
	default:
		return response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// Close stops Serve and releases the socket.
func (s *Server) Close() error {
	close(s.done)
	return s.conn.Close()
}
