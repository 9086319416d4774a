package blob_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/blob"
)

func TestFSPutGet(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "ten_a/cert_1/json"
	require.NoError(t, s.Put(ctx, key, []byte(`{"a":1}`), "application/json"))

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), data)

	// Overwrite wins.
	require.NoError(t, s.Put(ctx, key, []byte(`{"a":2}`), "application/json"))
	data, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":2}`), data)
}

func TestFSGetMissing(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "ten_a/cert_x/pdf")
	assert.True(t, errors.Is(err, blob.ErrNotFound))
}

func TestFSPresignUnsupported(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Presign(context.Background(), "ten_a/cert_1/json", time.Hour)
	assert.True(t, errors.Is(err, blob.ErrPresignNotSupported))
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	err = s.Put(ctx, "../outside", []byte("x"), "text/plain")
	assert.Error(t, err)
	_, err = s.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, blob.ErrNotFound))
}

func TestFSBucketExists(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.BucketExists(context.Background()))
}
