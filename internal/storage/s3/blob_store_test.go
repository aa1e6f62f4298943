package s3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	contentType map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.objects[r.URL.Path] = body
	f.contentType[r.URL.Path] = r.Header.Get("Content-Type")
	f.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{objects: map[string][]byte{}, contentType: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := New(Config{
		Endpoint:  srv.URL,
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "e14-docs",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "e14/01/001/02-015/sen.pdf", "application/pdf", bytes.NewReader([]byte("%PDF e14")))
	require.NoError(t, err)
	require.Equal(t, "s3://e14-docs/e14/01/001/02-015/sen.pdf", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	// Plain-HTTP uploads are chunk-signed, so the payload is framed.
	require.Contains(t, string(fake.objects["/e14-docs/e14/01/001/02-015/sen.pdf"]), "%PDF e14")
	require.Equal(t, "application/pdf", fake.contentType["/e14-docs/e14/01/001/02-015/sen.pdf"])
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
	_, err = New(Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "http://localhost:9000/path", Bucket: "b"})
	require.Error(t, err)
}

func TestCleanEndpoint(t *testing.T) {
	t.Parallel()

	host, secure, err := cleanEndpoint("https://s3.example:9000", false)
	require.NoError(t, err)
	require.Equal(t, "s3.example:9000", host)
	require.True(t, secure)

	host, secure, err = cleanEndpoint("minio:9000", true)
	require.NoError(t, err)
	require.Equal(t, "minio:9000", host)
	require.True(t, secure)

	_, _, err = cleanEndpoint("minio:9000/bucket", false)
	require.Error(t, err)
}
