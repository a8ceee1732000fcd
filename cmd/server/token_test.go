package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dev.c0redev.tcprouter/internal/store"
)

func TestIssueAndRevokeToken(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	first, err := issueToken(db, "ops", false)
	require.NoError(t, err)
	name, ok := db.VerifyToken(first)
	require.True(t, ok)
	require.Equal(t, "ops", name)

	_, err = issueToken(db, "ops", false)
	require.ErrorContains(t, err, "already exists")

	second, err := issueToken(db, "ops", true)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	_, ok = db.VerifyToken(first)
	require.False(t, ok)

	require.NoError(t, revokeToken(db, "ops"))
	require.ErrorContains(t, revokeToken(db, "ops"), "no token named")
}
