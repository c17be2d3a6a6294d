package sqlitex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmasAndPings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := Open(path, Options{})
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestExecQueryBeginTxRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := Open(path, Options{})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.Exec(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO items (name) VALUES (?)`, "widget")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rows, err := db.Query(ctx, `SELECT name FROM items`)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	assert.Equal(t, []string{"widget"}, names)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("", Options{})
	assert.Error(t, err)
}
