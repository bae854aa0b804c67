// Package esm implements the EPS Session Management state machine: PDN
// connectivity establishment and the default bearer it activates. Bearer
// identities are allocated from the TS 24.007 §11.2.3.1.5 range [5,15],
// matching model.MinEBI/model.MaxEBI.
package esm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

// State is a PDN connection's ESM state.
type State int

const (
	StateInactive State = iota
	StatePending
	StateActive
)

// PDNConnection is one UE PDN connectivity context plus its default
// bearer. Dedicated bearers are out of scope (spec.md Non-goals).
type PDNConnection struct {
	PTI   uint8 // Procedure Transaction Identity
	APN   string
	State State
	EBI   model.EBI
	PAA   [4]byte // allocated IPv4 address
}

// BearerPool allocates EBIs for one UE, scanning the valid range the way
// the registry scans MME-UE-S1AP-IDs.
type BearerPool struct {
	used map[model.EBI]bool
}

// NewBearerPool creates an empty pool.
func NewBearerPool() *BearerPool {
	return &BearerPool{used: make(map[model.EBI]bool)}
}

// Allocate reserves the lowest free EBI in [MinEBI, MaxEBI].
func (p *BearerPool) Allocate() (model.EBI, error) {
	for ebi := model.MinEBI; ebi <= model.MaxEBI; ebi++ {
		if !p.used[ebi] {
			p.used[ebi] = true
			return ebi, nil
		}
	}
	return 0, fmt.Errorf("esm: no free EPS Bearer Identity (range %d-%d exhausted)", model.MinEBI, model.MaxEBI)
}

// Release frees ebi for reuse.
func (p *BearerPool) Release(ebi model.EBI) { delete(p.used, ebi) }

// Context is one UE's ESM state: its bearer pool plus active PDN
// connections, keyed by PTI whether pending or active.
type Context struct {
	MMEUEID uint32
	Pool    *BearerPool
	conns   map[uint8]*PDNConnection

	logger *zap.Logger
}

// New creates an empty ESM context for a UE.
func New(mmeUEID uint32, logger *zap.Logger) *Context {
	return &Context{MMEUEID: mmeUEID, Pool: NewBearerPool(), conns: make(map[uint8]*PDNConnection), logger: logger}
}

// RequestPDNConnectivity begins a new PDN connection in Pending state
// (TS 24.301 §6.5.1), triggered by a PDN Connectivity Request.
func (c *Context) RequestPDNConnectivity(pti uint8, apn string) *PDNConnection {
	conn := &PDNConnection{PTI: pti, APN: apn, State: StatePending}
	c.conns[pti] = conn
	c.logger.Debug("ESM PDN connectivity requested", zap.Uint32("ue", c.MMEUEID), zap.String("apn", apn))
	return conn
}

// ActivateDefaultBearer assigns an EBI and IPv4 address to a pending
// connection. The connection stays Pending; ConfirmBearer moves it to
// Active once the EPS bearer context activation (carried inside the
// Attach Accept / Activate Default EPS Bearer Context Request) has been
// accepted by the UE.
func (c *Context) ActivateDefaultBearer(pti uint8, paa [4]byte) (*PDNConnection, error) {
	conn, ok := c.conns[pti]
	if !ok {
		return nil, fmt.Errorf("esm: no pending PDN connection for PTI %d", pti)
	}
	ebi, err := c.Pool.Allocate()
	if err != nil {
		return nil, err
	}
	conn.EBI = ebi
	conn.PAA = paa
	conn.State = StatePending // becomes Active on Activate Default EPS Bearer Context Accept
	return conn, nil
}

// ConfirmBearer transitions a connection to Active once the UE's
// Activate Default EPS Bearer Context Accept (or the implicit
// acceptance folded into Attach Complete) is received.
func (c *Context) ConfirmBearer(pti uint8) error {
	conn, ok := c.conns[pti]
	if !ok {
		return fmt.Errorf("esm: no PDN connection for PTI %d", pti)
	}
	conn.State = StateActive
	c.logger.Debug("ESM default bearer active", zap.Uint32("ue", c.MMEUEID), zap.Uint8("ebi", uint8(conn.EBI)))
	return nil
}

// ReleaseByEBI tears down the PDN connection owning ebi, freeing it back
// to the pool (UE Detach, PDN Disconnect).
func (c *Context) ReleaseByEBI(ebi model.EBI) {
	for pti, conn := range c.conns {
		if conn.EBI == ebi {
			c.Pool.Release(ebi)
			delete(c.conns, pti)
			return
		}
	}
}

// ByPTI returns the connection for a given PTI, if any.
func (c *Context) ByPTI(pti uint8) (*PDNConnection, bool) {
	conn, ok := c.conns[pti]
	return conn, ok
}

// Connections returns every PDN connection currently tracked, used by
// the admin server's /ues endpoint.
func (c *Context) Connections() []*PDNConnection {
	out := make([]*PDNConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	return out
}
