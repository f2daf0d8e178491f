package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload_Match(t *testing.T) {
	p := testProposal(t, "alice", "bob")
	assert.NoError(t, p.ValidatePayload())

	mp, err := p.DecodeMatchPayload()
	require.NoError(t, err)
	assert.Equal(t, "o1", mp.OfferID)
	assert.Equal(t, 3.0, mp.Quantity)
}

func TestValidatePayload_RejectsMissingFields(t *testing.T) {
	p := testProposal(t, "alice", "bob")
	p.Payload = json.RawMessage(`{"offer_id":"o1","quantity":0,"unit":"kg"}`)
	assert.ErrorIs(t, p.ValidatePayload(), ErrInvalidProposal)
}

func TestValidatePayload_RequiresPayloadForExecutableKinds(t *testing.T) {
	p := testProposal(t, "alice")
	p.Payload = nil
	assert.ErrorIs(t, p.ValidatePayload(), ErrInvalidProposal)
}

func TestValidatePayload_AlertIsFreeForm(t *testing.T) {
	p := testProposal(t)
	p.Kind = KindAlert
	p.Payload = json.RawMessage(`{"anything":["goes"]}`)
	assert.NoError(t, p.ValidatePayload())
}

func TestValidatePayload_CacheEviction(t *testing.T) {
	p := testProposal(t, "node-operator")
	p.Kind = KindCacheEviction
	p.Payload = json.RawMessage(`{"node_id":"n-7","bundle_ids":["b1","b2"],"bytes_freed":2048}`)
	assert.NoError(t, p.ValidatePayload())

	p.Payload = json.RawMessage(`{"node_id":"n-7","bundle_ids":[]}`)
	assert.ErrorIs(t, p.ValidatePayload(), ErrInvalidProposal)
}

func TestDecodeMatchPayload_WrongKind(t *testing.T) {
	p := testProposal(t, "alice")
	p.Kind = KindReplenishment
	_, err := p.DecodeMatchPayload()
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestSeal_DetectsApproverMutation(t *testing.T) {
	p := testProposal(t, "alice", "bob")
	require.NoError(t, p.Seal())
	require.NoError(t, p.VerifySeal())

	// Decisions and status are not part of the envelope.
	require.NoError(t, p.RecordDecision("alice", true, "", t0))
	require.NoError(t, p.VerifySeal())

	p.RequiredApprovers = append(p.RequiredApprovers, "carol")
	assert.ErrorIs(t, p.VerifySeal(), ErrInvalidProposal)
}

func TestSeal_SurvivesJSONRoundTrip(t *testing.T) {
	p := testProposal(t, "alice", "bob")
	require.NoError(t, p.Seal())

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var back Proposal
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.NoError(t, back.VerifySeal())
}

func TestVerifySeal_Unsealed(t *testing.T) {
	p := testProposal(t, "alice")
	assert.ErrorIs(t, p.VerifySeal(), ErrInvalidProposal)
}
