package paging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/model"
)

type fakeAssocs struct{ views []AssociationView }

func (f *fakeAssocs) Associations() []AssociationView { return f.views }

type fakeSender struct {
	paged []uint32
	fail  map[uint32]bool
}

func (f *fakeSender) SendPaging(assocID uint32, frame []byte) error {
	if f.fail[assocID] {
		return fmt.Errorf("send failed")
	}
	f.paged = append(f.paged, assocID)
	return nil
}

func TestPagePagesOnlyIntersectingAssociations(t *testing.T) {
	tai1 := model.TAI{PLMN: model.PLMN{MCC: "001", MNC: "01"}, TAC: 1}
	tai2 := model.TAI{PLMN: model.PLMN{MCC: "001", MNC: "01"}, TAC: 2}

	assocs := &fakeAssocs{views: []AssociationView{
		{ID: 1, ServedTAIs: []model.TAI{tai1}},
		{ID: 2, ServedTAIs: []model.TAI{tai2}},
	}}
	sender := &fakeSender{}
	e := New(assocs, sender, zap.NewNop())

	sent := e.Page([]model.TAI{tai1}, []byte("page"))

	require.Equal(t, 1, sent)
	require.Equal(t, []uint32{1}, sender.paged)
}

func TestPageWithEmptyTAIsBroadcastsAll(t *testing.T) {
	tai1 := model.TAI{TAC: 1}
	tai2 := model.TAI{TAC: 2}
	assocs := &fakeAssocs{views: []AssociationView{
		{ID: 1, ServedTAIs: []model.TAI{tai1}},
		{ID: 2, ServedTAIs: []model.TAI{tai2}},
	}}
	sender := &fakeSender{}
	e := New(assocs, sender, zap.NewNop())

	sent := e.Page(nil, []byte("page"))

	require.Equal(t, 2, sent)
}

func TestPageSkipsFailedSends(t *testing.T) {
	tai1 := model.TAI{TAC: 1}
	assocs := &fakeAssocs{views: []AssociationView{
		{ID: 1, ServedTAIs: []model.TAI{tai1}},
		{ID: 2, ServedTAIs: []model.TAI{tai1}},
	}}
	sender := &fakeSender{fail: map[uint32]bool{1: true}}
	e := New(assocs, sender, zap.NewNop())

	sent := e.Page([]model.TAI{tai1}, []byte("page"))

	require.Equal(t, 1, sent)
	require.Equal(t, []uint32{2}, sender.paged)
}
