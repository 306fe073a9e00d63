package networkkey_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/networkkey"
)

func TestInstallFromDKGThenGetSharesSnapshot(t *testing.T) {
	m := networkkey.New()
	kid := networkkey.KeyID{1}

	shares := map[accessstructure.PID]networkkey.DecryptionKeyShare{
		1: []byte("share-1"),
		2: []byte("share-2"),
	}
	m.InstallFromDKG(kid, shares, []byte("pp"))

	got, err := m.GetDecryptionKeyShares(kid)
	require.NoError(t, err)
	require.Equal(t, shares, got)

	// Mutating the caller's original map must not affect the manager.
	shares[1] = []byte("tampered")
	got2, err := m.GetDecryptionKeyShares(kid)
	require.NoError(t, err)
	require.Equal(t, networkkey.DecryptionKeyShare("share-1"), got2[1])

	pp, err := m.PublicParameters(kid)
	require.NoError(t, err)
	require.Equal(t, []byte("pp"), pp)
}

func TestGetDecryptionKeySharesUnknownKey(t *testing.T) {
	m := networkkey.New()
	_, err := m.GetDecryptionKeyShares(networkkey.KeyID{9})
	require.Error(t, err)
}

func TestApplyReconfigurationReplacesSharesKeepsParametersByDefault(t *testing.T) {
	m := networkkey.New()
	kid := networkkey.KeyID{1}
	m.InstallFromDKG(kid, map[accessstructure.PID]networkkey.DecryptionKeyShare{1: []byte("old")}, []byte("pp-v1"))

	err := m.ApplyReconfiguration(kid, map[accessstructure.PID]networkkey.DecryptionKeyShare{1: []byte("new"), 2: []byte("new-2")}, nil)
	require.NoError(t, err)

	shares, err := m.GetDecryptionKeyShares(kid)
	require.NoError(t, err)
	require.Equal(t, networkkey.DecryptionKeyShare("new"), shares[1])
	require.Equal(t, networkkey.DecryptionKeyShare("new-2"), shares[2])

	pp, err := m.PublicParameters(kid)
	require.NoError(t, err)
	require.Equal(t, []byte("pp-v1"), pp)
}

func TestApplyReconfigurationUnknownKeyErrors(t *testing.T) {
	m := networkkey.New()
	err := m.ApplyReconfiguration(networkkey.KeyID{9}, nil, nil)
	require.Error(t, err)
}

func TestHas(t *testing.T) {
	m := networkkey.New()
	kid := networkkey.KeyID{1}
	require.False(t, m.Has(kid))
	m.InstallFromDKG(kid, nil, nil)
	require.True(t, m.Has(kid))
}
