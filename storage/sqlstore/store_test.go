package sqlstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-session"
	"github.com/goliatone/go-session/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var _ session.Storage = (*sqlstore.Store)(nil)

func newDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := sqlstore.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newStore(t *testing.T, db *bun.DB, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()
	store := sqlstore.New(db, opts...)
	require.NoError(t, store.CreateTable(context.Background()))
	return store
}

func TestStore_SetGetDelete(t *testing.T) {
	db := newDB(t)
	store := newStore(t, db)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, session.KeyToken, "a.b.c"))
	require.NoError(t, store.Set(ctx, session.KeyToken, "d.e.f"))
	require.NoError(t, store.Set(ctx, session.KeyUserID, "u1"))

	v, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "d.e.f", v, "set overwrites")

	count, err := db.NewSelect().Model((*sqlstore.Entry)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.Delete(ctx, session.SessionKeys()...))
	_, ok, err = store.Get(ctx, session.KeyUserID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx))
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	alice := newStore(t, db, sqlstore.WithNamespace("alice"), sqlstore.WithClock(func() time.Time { return now }))
	bob := newStore(t, db, sqlstore.WithNamespace("bob"))
	assert.Equal(t, "alice", alice.Namespace())

	require.NoError(t, alice.Set(ctx, session.KeyUserRole, "tutor"))
	require.NoError(t, bob.Set(ctx, session.KeyUserRole, "parent"))

	v, _, err := alice.Get(ctx, session.KeyUserRole)
	require.NoError(t, err)
	assert.Equal(t, "tutor", v)

	require.NoError(t, bob.Delete(ctx, session.KeyUserRole))
	_, ok, err := alice.Get(ctx, session.KeyUserRole)
	require.NoError(t, err)
	assert.True(t, ok)

	entry := new(sqlstore.Entry)
	require.NoError(t, db.NewSelect().Model(entry).Where("namespace = ?", "alice").Scan(ctx))
	assert.True(t, now.Equal(entry.UpdatedAt))
}

func TestStore_BacksController(t *testing.T) {
	store := newStore(t, newDB(t), sqlstore.WithNamespace("ctrl"))
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, session.KeyToken, "corrupt"))
	require.NoError(t, store.Set(ctx, session.KeyUserRole, "tutor"))

	snap := session.NewController(nil, store).Rehydrate(ctx)
	assert.False(t, snap.Authenticated())

	_, ok, err := store.Get(ctx, session.KeyUserRole)
	require.NoError(t, err)
	assert.False(t, ok, "a bad credential clears every key")
}
