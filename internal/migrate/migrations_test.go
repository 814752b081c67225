package migrate_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvalq/internal/db"
	"approvalq/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	v, err := migrate.Version(ctx, conn)
	assert.Error(t, err, "no schema table before the first run")
	assert.Zero(t, v)

	applied, err := migrate.Apply(ctx, conn, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "001_init.sql", applied[0].Name)

	applied, err = migrate.Apply(ctx, conn, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.NoError(t, migrate.Migrate(conn))

	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var rows int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestRequestHistoryIsAppendOnly(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	_, err = conn.Exec(`INSERT INTO requests(id,type,payload_json,status,current_level,submitted_by,created_at,updated_at)
VALUES ('r1','Card Request','{}','Pending',1,'teller1','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO request_history(request_id,level,action,actor_id,ts) VALUES ('r1',0,'Submitted','teller1','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE request_history SET actor_id='mallory'`)
	assert.Error(t, err)
	_, err = conn.Exec(`DELETE FROM request_history`)
	assert.Error(t, err)
}
