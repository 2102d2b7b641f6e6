package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestBlobStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "evidence-bucket"})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	payload := `{"run_id":"abc"}`
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/evidence-bucket/o")
		assert.Equal(t, "evidence/2026/run.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), payload)

		fmt.Fprintln(w, `{"name":"evidence/2026/run.json","bucket":"evidence-bucket"}`)
	})
	store := newTestBlobStore(t, handler)

	uri, err := store.PutObject(context.Background(), "evidence/2026/run.json", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://evidence-bucket/evidence/2026/run.json", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestBlobStore(t, handler)

	_, err := store.PutObject(context.Background(), "evidence/run.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "b"}
	_, err := store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)
}
