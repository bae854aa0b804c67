// Package registry is the MME's single source of truth for live state:
// UE contexts, S1 associations, and the handle-based indices used to find
// them. It owns every cross-FSM reference so that the FSM packages
// themselves (s1assoc, ecm, emm, esm, s11) never import one another -
// they only see the small interfaces the registry's owner (internal/mme)
// injects into them. This is the Go-native stand-in for the original's
// arena of fixed-size structs linked by raw pointers.
package registry

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

// MMEUES1APID is the MME-local handle for a UE's S1 association context,
// the Go equivalent of the original's array index into the UE context
// arena (original_source/mme/S1/S1Assoc_NotConfigured.c alloc pattern).
type MMEUES1APID uint32

// ENBUES1APID is the eNB-assigned half of the S1AP UE identity pair.
type ENBUES1APID uint32

// MaxUEContexts bounds MME-UE-S1AP-ID allocation (spec.md §4.3 edge case:
// "registry saturated"). The original arena is fixed-size at compile
// time; this is the Go port's equivalent ceiling, configurable so tests
// can exercise exhaustion cheaply.
const MaxUEContexts = 1 << 20

// ErrExhausted is returned by AllocateUEID when no handle is free.
var ErrExhausted = fmt.Errorf("registry: MME-UE-S1AP-ID space exhausted")

// ErrNotFound is returned by the By* lookups when no entry matches.
var ErrNotFound = fmt.Errorf("registry: not found")

// UEContext aggregates the three independent FSMs that make up a single
// UE's state (EMM, ESM, ECM) plus the S1 association it currently rides
// on, if connected. The FSM implementations live in their own packages;
// this struct only holds opaque handles into them, never pointers back
// into FSM-internal state, which is what keeps the package graph acyclic.
type UEContext struct {
	MMEUES1APID MMEUES1APID

	// IMSI is the permanent identity once known; empty until Identification
	// Response or a previously stored GUTI resolves it.
	IMSI string
	GUTI *model.GUTI

	// AssocID names the S1 association this UE is currently reachable
	// through (0 if ECM-IDLE and not paging).
	AssocID AssocID

	// EMM, ESM, ECM are opaque to the registry: each FSM package defines
	// its own state type and the registry stores it as an interface{} so
	// that registry need not import emm/esm/ecm.
	EMM interface{}
	ESM interface{}
	ECM interface{}
}

// AssocID is the handle for an S1 eNB association (original's S1AP
// association record, original_source/mme/S1/S1Assoc_NotConfigured.c).
type AssocID uint32

// Association is the registry's view of one eNB's S1 link: enough to
// route a Downlink NAS Transport or Paging message without the registry
// depending on s1assoc's internal FSM type.
type Association struct {
	ID        AssocID
	GlobalENB model.GlobalENBID
	ServedTAIs []model.TAI
	// FSM is the opaque s1assoc state machine handle.
	FSM interface{}
}

// Registry is the MME's process-wide state container. All mutation is
// expected to happen on the reactor goroutine (internal/reactor); the
// registry itself holds no locks, matching the single-threaded-owner
// model the rest of the FSM layer assumes.
type Registry struct {
	logger *zap.Logger

	ues        map[MMEUES1APID]*UEContext
	uesByIMSI  map[string]MMEUES1APID
	uesByMTMSI map[uint32]MMEUES1APID

	assocs       map[AssocID]*Association
	assocsByENB  map[string]AssocID // keyed by GlobalENBID.String()

	nextUEID    MMEUES1APID
	nextAssocID AssocID
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logger,
		ues:         make(map[MMEUES1APID]*UEContext),
		uesByIMSI:   make(map[string]MMEUES1APID),
		uesByMTMSI:  make(map[uint32]MMEUES1APID),
		assocs:      make(map[AssocID]*Association),
		assocsByENB: make(map[string]AssocID),
	}
}

// AllocateUEID creates a fresh UEContext and assigns it the next free
// MME-UE-S1AP-ID, scanning forward from the last issued handle and
// wrapping at MaxUEContexts (spec.md Open Question: sequence-number /
// MME-UE-S1AP-ID wraparound - resolved in DESIGN.md to wrap-and-skip-live
// rather than reject, since a 20-bit-equivalent space recycles long
// before a real deployment's concurrent UE count approaches it).
func (r *Registry) AllocateUEID() (*UEContext, error) {
	if len(r.ues) >= MaxUEContexts {
		return nil, ErrExhausted
	}
	for i := 0; i < MaxUEContexts; i++ {
		r.nextUEID++
		if r.nextUEID == 0 || r.nextUEID > MaxUEContexts {
			r.nextUEID = 1 // 0 is reserved: "no MME-UE-S1AP-ID assigned yet"
		}
		if _, taken := r.ues[r.nextUEID]; !taken {
			ue := &UEContext{MMEUES1APID: r.nextUEID}
			r.ues[r.nextUEID] = ue
			return ue, nil
		}
	}
	return nil, ErrExhausted
}

// UEByHandle looks up a UE context by its MME-UE-S1AP-ID.
func (r *Registry) UEByHandle(id MMEUES1APID) (*UEContext, error) {
	ue, ok := r.ues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ue, nil
}

// UEByIMSI looks up a UE context by permanent identity.
func (r *Registry) UEByIMSI(imsi string) (*UEContext, error) {
	id, ok := r.uesByIMSI[imsi]
	if !ok {
		return nil, ErrNotFound
	}
	return r.UEByHandle(id)
}

// UEByMTMSI looks up a UE context by the local TMSI portion of its GUTI,
// used to resolve a re-Attach that presents an old GUTI instead of IMSI.
func (r *Registry) UEByMTMSI(mtmsi uint32) (*UEContext, error) {
	id, ok := r.uesByMTMSI[mtmsi]
	if !ok {
		return nil, ErrNotFound
	}
	return r.UEByHandle(id)
}

// BindIMSI indexes ue under imsi, replacing any prior binding for that
// IMSI (a UE that re-attaches gets a new handle; the old one is removed
// by the caller via Remove before calling BindIMSI again).
func (r *Registry) BindIMSI(ue *UEContext, imsi string) {
	ue.IMSI = imsi
	r.uesByIMSI[imsi] = ue.MMEUES1APID
}

// BindGUTI indexes ue under the GUTI's M-TMSI for GUTI-based resolution.
func (r *Registry) BindGUTI(ue *UEContext, guti model.GUTI) {
	ue.GUTI = &guti
	r.uesByMTMSI[guti.MTMSI] = ue.MMEUES1APID
}

// Remove deletes ue and all of its index entries. Cascading teardown of
// the EMM/ESM/ECM sub-FSMs is the caller's (internal/mme) responsibility:
// the registry only owns the indices, not FSM lifecycle.
func (r *Registry) Remove(id MMEUES1APID) {
	ue, ok := r.ues[id]
	if !ok {
		return
	}
	if ue.IMSI != "" {
		delete(r.uesByIMSI, ue.IMSI)
	}
	if ue.GUTI != nil {
		delete(r.uesByMTMSI, ue.GUTI.MTMSI)
	}
	delete(r.ues, id)
}

// Count returns the number of live UE contexts, backing the
// mme_registered_ues-style gauges in internal/metrics.
func (r *Registry) Count() int {
	return len(r.ues)
}

// CreateAssociation registers a new S1 association for globalENB,
// returning its handle. Mirrors the original's S1Assoc allocation in
// S1Assoc_NotConfigured.c.
func (r *Registry) CreateAssociation(globalENB model.GlobalENBID) *Association {
	r.nextAssocID++
	a := &Association{ID: r.nextAssocID, GlobalENB: globalENB}
	r.assocs[a.ID] = a
	r.assocsByENB[globalENB.String()] = a.ID
	return a
}

// AssociationByENB finds an existing association for a Global eNB ID,
// used to reject a duplicate S1 Setup from an already-associated eNB.
func (r *Registry) AssociationByENB(globalENB model.GlobalENBID) (*Association, error) {
	id, ok := r.assocsByENB[globalENB.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return r.AssociationByHandle(id)
}

// AssociationByHandle looks up an association by handle.
func (r *Registry) AssociationByHandle(id AssocID) (*Association, error) {
	a, ok := r.assocs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// RemoveAssociation tears down an S1 association. Any UE contexts still
// pointing at it are left with a dangling AssocID; the caller is expected
// to have already driven each affected UE's ECM FSM to Idle first (as
// the original does when an SCTP association is lost).
func (r *Registry) RemoveAssociation(id AssocID) {
	a, ok := r.assocs[id]
	if !ok {
		return
	}
	delete(r.assocsByENB, a.GlobalENB.String())
	delete(r.assocs, id)
}

// Associations returns every currently registered association. The
// paging engine does not use it: Coordinator.Associations builds paging
// views from the coordinator's own s1assoc associations.
func (r *Registry) Associations() []*Association {
	out := make([]*Association, 0, len(r.assocs))
	for _, a := range r.assocs {
		out = append(out, a)
	}
	return out
}

// AssociationCount backs the mme_associated_enbs gauge.
func (r *Registry) AssociationCount() int {
	return len(r.assocs)
}
