package dht

import (
	"testing"

	"github.com/reveries-network/node/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorAcceptsCorrectlySignedRecord(t *testing.T) {
	id, err := identity.NewPeerIdentity()
	require.NoError(t, err)

	rec, err := signRecord([]byte("agent-7"), 1, id)
	require.NoError(t, err)
	wire, err := marshalRecord(rec)
	require.NoError(t, err)

	v := Validator{}
	assert.NoError(t, v.Validate(fullKey(PrefixReverieName, "reverie-x"), wire))
}

func TestValidatorRejectsTamperedValue(t *testing.T) {
	id, err := identity.NewPeerIdentity()
	require.NoError(t, err)

	rec, err := signRecord([]byte("agent-7"), 1, id)
	require.NoError(t, err)
	rec.Value = []byte("agent-evil")
	wire, err := marshalRecord(rec)
	require.NoError(t, err)

	v := Validator{}
	assert.ErrorIs(t, v.Validate(fullKey(PrefixReverieName, "reverie-x"), wire), ErrBadSignature)
}

func TestSelectPrefersHigherSeq(t *testing.T) {
	id, err := identity.NewPeerIdentity()
	require.NoError(t, err)

	older, err := signRecord([]byte("agent-7-0"), 1, id)
	require.NoError(t, err)
	newer, err := signRecord([]byte("agent-7-1"), 2, id)
	require.NoError(t, err)

	olderWire, err := marshalRecord(older)
	require.NoError(t, err)
	newerWire, err := marshalRecord(newer)
	require.NoError(t, err)

	v := Validator{}
	idx, err := v.Select("", [][]byte{olderWire, newerWire})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	idx, err = v.Select("", [][]byte{newerWire, olderWire})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestFullKeyNamespacing(t *testing.T) {
	k := fullKey(PrefixKfragProviders, "reverie-abc")
	assert.Equal(t, "/reverie/reverie_id_to_kfrag_providers:reverie-abc", k)
}
