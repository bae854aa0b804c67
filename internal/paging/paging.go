// Package paging implements the MME's paging engine: broadcasting a
// Paging PDU to the eNBs serving a UE's last known tracking area(s)
// when a downlink message arrives for an ECM-IDLE UE.
//
// original_source marks its TAI-list filtering TODO (no intersection
// against an eNB's Supported TAs before paging it); this rewrite
// resolves that Open Question by implementing the intersection
// (DESIGN.md), since a correct implementation is no harder than the
// broadcast-to-everyone shortcut and avoids paging eNBs that can never
// reach the UE.
package paging

import (
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

// AssociationSource is implemented by the coordinator to list live S1
// associations for TAI-intersection filtering.
type AssociationSource interface {
	Associations() []AssociationView
}

// AssociationView is the subset of an S1 association's state (the
// coordinator's s1assoc.Assoc) paging needs.
type AssociationView struct {
	ID         uint32
	ServedTAIs []model.TAI
}

// Sender pushes an encoded Paging PDU to one association.
type Sender interface {
	SendPaging(assocID uint32, frame []byte) error
}

// Engine pages a UE across every association whose Supported TAs
// intersect the UE's registered TAI list.
type Engine struct {
	assocs AssociationSource
	sender Sender
	logger *zap.Logger
}

// New creates a paging Engine.
func New(assocs AssociationSource, sender Sender, logger *zap.Logger) *Engine {
	return &Engine{assocs: assocs, sender: sender, logger: logger}
}

// Page broadcasts frame (an already-encoded S1AP Paging PDU for the
// given identity) to every association serving at least one of tais.
// An empty tais list pages every live association, matching the
// original's only documented fallback when no TAI is known yet.
func (e *Engine) Page(tais []model.TAI, frame []byte) int {
	var sent int
	for _, assoc := range e.assocs.Associations() {
		if len(tais) > 0 && !intersects(assoc.ServedTAIs, tais) {
			continue
		}
		if err := e.sender.SendPaging(assoc.ID, frame); err != nil {
			e.logger.Warn("paging send failed", zap.Uint32("assoc", assoc.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func intersects(served []model.TAI, want []model.TAI) bool {
	for _, s := range served {
		for _, w := range want {
			if s == w {
				return true
			}
		}
	}
	return false
}
