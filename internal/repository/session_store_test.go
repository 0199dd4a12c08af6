package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"invoice-import/internal/importer"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validatedSession(t *testing.T, code string, ownerID int) *importer.Session {
	t.Helper()
	s := importer.NewSession(code, ownerID, "orders.csv", importer.ImportTarget{}, nil)
	data := "Order No,Order Date,Customer,Total\nA-1,2024-01-05,Jane,1.00\nA-2,2024-01-06,,2.00\n"
	require.NoError(t, s.Ingest([]byte(data), importer.ParseOptions{Format: importer.FormatCSV}))
	require.NoError(t, s.Validate(context.Background(), nil))
	require.NoError(t, s.Select(0))
	return s
}

func exerciseStore(t *testing.T, store SessionStore) {
	ctx := context.Background()
	s := validatedSession(t, "IMPORT-aaaa1111", 7)

	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusValidated, loaded.Status)
	assert.Equal(t, 7, loaded.OwnerID)
	assert.Equal(t, s.Rows, loaded.Rows)
	assert.Equal(t, []int{0}, loaded.SelectedIndexes())

	// A loaded session is a copy.
	_, err = loaded.EditCell(1, importer.FieldCustomerName, "Joe")
	require.NoError(t, err)
	again, err := store.Load(ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Counts().Invalid)

	codes, err := store.ListCodes(ctx, 7)
	require.NoError(t, err)
	assert.Contains(t, codes, s.Code)
	codes, err = store.ListCodes(ctx, 8)
	require.NoError(t, err)
	assert.NotContains(t, codes, s.Code)

	require.NoError(t, store.Delete(ctx, s.Code, 7))
	_, err = store.Load(ctx, s.Code)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemorySessionStore(t *testing.T) {
	exerciseStore(t, NewMemorySessionStore(time.Hour))
}

func TestMemorySessionStore_Expiry(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, importer.NewSession("IMPORT-1", 1, "a.csv", importer.ImportTarget{}, nil)))
	_, err := store.Load(ctx, "IMPORT-1")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	_, err = store.Load(ctx, "IMPORT-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	codes, err := store.ListCodes(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestRedisSessionStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	exerciseStore(t, NewRedisSessionStore(client, time.Minute))
}
