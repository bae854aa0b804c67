package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPLMNTBCDRoundTripTwoDigitMNC(t *testing.T) {
	p := PLMN{MCC: "001", MNC: "01"}
	got := PLMNFromTBCD(p.TBCD())
	require.Equal(t, p, got)
}

func TestPLMNTBCDRoundTripThreeDigitMNC(t *testing.T) {
	p := PLMN{MCC: "310", MNC: "410"}
	got := PLMNFromTBCD(p.TBCD())
	require.Equal(t, p, got)
}

func TestPLMNString(t *testing.T) {
	require.Equal(t, "001-01", PLMN{MCC: "001", MNC: "01"}.String())
}

func TestGlobalENBIDString(t *testing.T) {
	g := GlobalENBID{PLMN: PLMN{MCC: "001", MNC: "01"}, ENBID: 5}
	require.Equal(t, "001-01/5", g.String())
}
