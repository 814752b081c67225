package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvalq/internal/config"
)

func TestOpenSeedsDefaultsOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a, err := Open(ctx, dir)
	require.NoError(t, err)

	defs, err := a.Engine.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 6)
	users, err := a.Engine.Repo.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "admin@bank.com", users[0].Email)
	require.NoError(t, a.Close())

	// Existing rows are left alone on reopen.
	b, err := Open(ctx, dir)
	require.NoError(t, err)
	defer b.Close()
	roles, err := b.Engine.Repo.ListRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 2)
}

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := `activity:
  retention: 10
workflows:
  definitions:
    - request_type: Loan Request
      levels: [role_x]
roles:
  - id: role_x
    name: X
`
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(cfg), 0o644))
	require.Equal(t, filepath.Join(dir, "approvalq.yml"), config.Path(dir))

	a, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 10, a.Config.Retention())
	defs, err := a.Engine.ListDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, []string{"role_x"}, defs[0].Levels)
}
