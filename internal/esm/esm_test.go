package esm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

func TestBearerPoolAllocatesLowestFreeEBI(t *testing.T) {
	p := NewBearerPool()

	ebi, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, model.MinEBI, ebi)

	ebi2, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, model.MinEBI+1, ebi2)

	p.Release(ebi)
	ebi3, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, ebi, ebi3)
}

func TestBearerPoolExhaustion(t *testing.T) {
	p := NewBearerPool()
	for ebi := model.MinEBI; ebi <= model.MaxEBI; ebi++ {
		_, err := p.Allocate()
		require.NoError(t, err)
	}
	_, err := p.Allocate()
	require.Error(t, err)
}

func TestPDNConnectivityLifecycle(t *testing.T) {
	ctx := New(1, zap.NewNop())

	conn := ctx.RequestPDNConnectivity(1, "internet")
	require.Equal(t, StatePending, conn.State)

	activated, err := ctx.ActivateDefaultBearer(1, [4]byte{10, 0, 0, 1})
	require.NoError(t, err)
	require.Equal(t, model.MinEBI, activated.EBI)
	require.Equal(t, [4]byte{10, 0, 0, 1}, activated.PAA)

	require.NoError(t, ctx.ConfirmBearer(1))
	got, ok := ctx.ByPTI(1)
	require.True(t, ok)
	require.Equal(t, StateActive, got.State)
}

func TestActivateDefaultBearerRequiresPendingRequest(t *testing.T) {
	ctx := New(1, zap.NewNop())
	_, err := ctx.ActivateDefaultBearer(9, [4]byte{})
	require.Error(t, err)
}

func TestReleaseByEBIFreesPoolSlot(t *testing.T) {
	ctx := New(1, zap.NewNop())
	ctx.RequestPDNConnectivity(1, "internet")
	conn, err := ctx.ActivateDefaultBearer(1, [4]byte{})
	require.NoError(t, err)

	ctx.ReleaseByEBI(conn.EBI)

	_, ok := ctx.ByPTI(1)
	require.False(t, ok)

	reallocated, err := ctx.Pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, conn.EBI, reallocated)
}

func TestConnectionsListsPending(t *testing.T) {
	ctx := New(1, zap.NewNop())
	ctx.RequestPDNConnectivity(1, "internet")
	ctx.RequestPDNConnectivity(2, "ims")
	require.Len(t, ctx.Connections(), 2)
}
