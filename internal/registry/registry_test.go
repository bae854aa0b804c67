package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zap.NewNop())
}

func TestAllocateUEIDAssignsIncreasingHandles(t *testing.T) {
	r := newTestRegistry(t)

	ue1, err := r.AllocateUEID()
	require.NoError(t, err)
	ue2, err := r.AllocateUEID()
	require.NoError(t, err)

	require.NotEqual(t, ue1.MMEUES1APID, ue2.MMEUES1APID)
	require.NotZero(t, ue1.MMEUES1APID)
	require.NotZero(t, ue2.MMEUES1APID)
}

func TestAllocateUEIDWrapsAtMaxUEContexts(t *testing.T) {
	r := newTestRegistry(t)
	r.nextUEID = MaxUEContexts - 1

	ue1, err := r.AllocateUEID()
	require.NoError(t, err)
	require.Equal(t, MMEUES1APID(MaxUEContexts), ue1.MMEUES1APID)

	// wraps past 0 (reserved) straight to 1
	ue2, err := r.AllocateUEID()
	require.NoError(t, err)
	require.Equal(t, MMEUES1APID(1), ue2.MMEUES1APID)
}

func TestBindIMSIAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	ue, err := r.AllocateUEID()
	require.NoError(t, err)

	r.BindIMSI(ue, "001010000000001")

	found, err := r.UEByIMSI("001010000000001")
	require.NoError(t, err)
	require.Equal(t, ue.MMEUES1APID, found.MMEUES1APID)

	_, err = r.UEByIMSI("no-such-imsi")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBindGUTIAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	ue, err := r.AllocateUEID()
	require.NoError(t, err)

	guti := model.GUTI{MTMSI: 42}
	r.BindGUTI(ue, guti)

	found, err := r.UEByMTMSI(42)
	require.NoError(t, err)
	require.Equal(t, ue.MMEUES1APID, found.MMEUES1APID)
}

func TestRemoveClearsAllIndices(t *testing.T) {
	r := newTestRegistry(t)
	ue, err := r.AllocateUEID()
	require.NoError(t, err)
	r.BindIMSI(ue, "001010000000002")
	r.BindGUTI(ue, model.GUTI{MTMSI: 7})

	r.Remove(ue.MMEUES1APID)

	_, err = r.UEByHandle(ue.MMEUES1APID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.UEByIMSI("001010000000002")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.UEByMTMSI(7)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, r.Count())
}

func TestCreateAssociationRejectsDuplicateLookupButNotCreate(t *testing.T) {
	r := newTestRegistry(t)
	enb := model.GlobalENBID{PLMN: model.PLMN{MCC: "001", MNC: "01"}, ENBID: 1}

	a1 := r.CreateAssociation(enb)
	found, err := r.AssociationByENB(enb)
	require.NoError(t, err)
	require.Equal(t, a1.ID, found.ID)

	require.Equal(t, 1, r.AssociationCount())
	r.RemoveAssociation(a1.ID)
	require.Equal(t, 0, r.AssociationCount())

	_, err = r.AssociationByENB(enb)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAssociationsListsAll(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateAssociation(model.GlobalENBID{ENBID: 1})
	r.CreateAssociation(model.GlobalENBID{ENBID: 2})

	require.Len(t, r.Associations(), 2)
}
