package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sentThree() []SentTransaction {
	return []SentTransaction{
		{ID: 1, Name: "INV/2024/0001", ExternalRef: "EXT-1"},
		{ID: 2, Name: "INV/2024/0002", Reference: "order 2"},
		{ID: 3, Name: "INV/2024/0003"},
	}
}

func TestProcessPartialRejection(t *testing.T) {
	p := NewAckProcessor(DefaultPolicy())
	out := p.Process("accepted", []AckEntry{{Code: "REJ_SEMAN", Name: " inv/2024/0002 "}}, sentThree())
	require.Equal(t, StateCompleted, out.State)
	require.Equal(t, AckError, out.AckStatus)
	require.True(t, out.Partial)
	require.Equal(t, []int64{2}, out.RejectedIDs)
}

func TestProcessGlobalRejection(t *testing.T) {
	p := NewAckProcessor(DefaultPolicy())

	unmatched := p.Process("accepted", []AckEntry{{Code: "REJ_COH", Name: "UNKNOWN"}}, sentThree())
	require.Equal(t, StateError, unmatched.State)
	require.True(t, unmatched.Global)
	require.Empty(t, unmatched.RejectedIDs)

	entries := []AckEntry{
		{Code: "REJ_COH", ExternalRef: "ext-1"},
		{Code: "REJ_COH", Reference: "ORDER2"},
		{Code: "REJ_UNI", Name: "INV/2024/0003"},
	}
	all := p.Process("accepted", entries, sentThree())
	require.Equal(t, StateError, all.State)
	require.Equal(t, AckError, all.AckStatus)
}

func TestProcessDuplicate(t *testing.T) {
	out := NewAckProcessor(DefaultPolicy()).Process("refused", []AckEntry{{Code: "REJ_DOUBLON"}}, sentThree())
	require.Equal(t, StateCompleted, out.State)
	require.Equal(t, AckOK, out.AckStatus)
	require.Equal(t, StatusDuplicate, out.TransportStatus)
	require.Empty(t, out.RejectedIDs)
}

func TestProcessWithoutEntries(t *testing.T) {
	p := NewAckProcessor(Policy{})
	require.Equal(t, Outcome{State: StateSent, TransportStatus: "PROCESSING", AckStatus: AckPending}, p.Process("processing", nil, sentThree()))
	require.Equal(t, AckOK, p.Process("Delivered", nil, nil).AckStatus)
	require.Equal(t, AckError, p.Process("error", nil, nil).AckStatus)

	receipt := p.Process("sent", []AckEntry{{Code: "RECEIVED"}}, sentThree())
	require.Equal(t, StateCompleted, receipt.State)
	require.Equal(t, AckOK, receipt.AckStatus)
}

func TestMapStatus(t *testing.T) {
	require.Equal(t, StateCompleted, MapStatus("ACCEPTED"))
	require.Equal(t, StateCompleted, MapStatus("done"))
	require.Equal(t, StateError, MapStatus("refused"))
	require.Equal(t, StateSent, MapStatus("draft"))
	require.Equal(t, StateSent, MapStatus("whatever"))
	require.True(t, StateError.Resolved())
	require.False(t, StateSent.Resolved())
}

func TestNormalizeReference(t *testing.T) {
	require.Equal(t, "INV/2024/0001", NormalizeReference(" inv / 2024 /\t0001 "))
	require.Equal(t, "ABC1", NormalizeReference("ａｂｃ１"))
	require.Equal(t, "", NormalizeReference("   "))
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	require.Equal(t, DefaultPolicy(), p)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rejection_codes: [R1]\nmatch_fields: [name]\n"), 0o600))
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, []string{"R1"}, p.RejectionCodes)
	require.Equal(t, DefaultPolicy().DuplicateCodes, p.DuplicateCodes)
	require.Equal(t, []string{FieldName}, p.MatchFields)

	out := NewAckProcessor(p).Process("accepted", []AckEntry{{Code: "r1", ExternalRef: "EXT-1"}}, sentThree())
	require.True(t, out.Global)

	require.NoError(t, os.WriteFile(path, []byte("match_fields: [iban]\n"), 0o600))
	_, err = LoadPolicy(path)
	require.Error(t, err)
}
