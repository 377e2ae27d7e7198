package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"RiskGate/internal/persistence"
	"RiskGate/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_UpDown(t *testing.T) {
	db, err := persistence.Open(persistence.SQLite, persistence.SQLiteDSN(filepath.Join(t.TempDir(), "m.db")))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	m := persistence.NewMigrator(db, testutil.NewClock(), zerolog.Nop())

	n, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = m.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second run is a no-op")

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "000002", "000003", "000004"}, applied)

	rolled, err := m.Down(ctx)
	require.NoError(t, err)
	assert.True(t, rolled)

	var tables int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'agent_proposals'`).Scan(&tables))
	assert.Zero(t, tables)

	for i := 0; i < 3; i++ {
		_, err := m.Down(ctx)
		require.NoError(t, err)
	}
	rolled, err = m.Down(ctx)
	require.NoError(t, err)
	assert.False(t, rolled)
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]persistence.Dialect{
		"postgres":   persistence.Postgres,
		"PostgreSQL": persistence.Postgres,
		"sqlite":     persistence.SQLite,
		"sqlite3":    persistence.SQLite,
	} {
		got, err := persistence.ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := persistence.ParseDialect("mysql")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	sqlite := &persistence.DB{Dialect: persistence.SQLite}
	assert.Equal(t, `SELECT ?1, '$2' WHERE a = ?3`, sqlite.Rebind(`SELECT $1, '$2' WHERE a = $3`))

	pg := &persistence.DB{Dialect: persistence.Postgres}
	assert.Equal(t, `SELECT $1`, pg.Rebind(`SELECT $1`))
}

func TestPostgresStores(t *testing.T) {
	db := testutil.SetupTestDB(t)
	chain, _ := chainOn(t, db)
	appendOrders(t, chain, 3)
	require.NoError(t, chain.Verify(context.Background()))
}
