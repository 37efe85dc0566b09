package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/justinabrahms/chesslive/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("CHESSD_AUTH_JWT_SECRET", "s3cret")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "alice", "--rating", "1500"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.NewVerifier("s3cret").Authenticate(strings.TrimSpace(out.String()), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1500, claims.Rating)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("CHESSD_AUTH_JWT_SECRET", "")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "alice"})
	assert.Error(t, cmd.Execute())
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("CHESSD_STORE_SQLITE_PATH", t.TempDir()+"/chess.db")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate"})
	require.NoError(t, cmd.Execute())
}
