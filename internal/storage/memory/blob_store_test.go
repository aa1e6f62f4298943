package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "e14/01/001/all/sen.pdf", "application/pdf", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	require.Equal(t, "memory://e14/01/001/all/sen.pdf", uri)

	got, contentType, ok := store.Get("e14/01/001/all/sen.pdf")
	require.True(t, ok)
	require.Equal(t, "application/pdf", contentType)
	got[0] = 'C'

	again, _, _ := store.Get("e14/01/001/all/sen.pdf")
	require.Equal(t, "content", string(again))
}

func TestBlobStoreOverwrite(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, body := range []string{"one", "two"} {
		_, err := store.PutObject(context.Background(), "k", "text/plain", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
	}
	got, _, _ := store.Get("k")
	require.Equal(t, "two", string(got))
	require.Equal(t, 1, store.Len())
	require.Equal(t, 2, store.Puts())

	_, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
