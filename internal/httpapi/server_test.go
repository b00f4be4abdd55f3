package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fluxpod/fluxpod/pkg/security"
	"github.com/fluxpod/fluxpod/pkg/storage"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *storage.BoltStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(filepath.Join(dir, "fluxpod.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	enc, err := security.NewEncryptor(make([]byte, 32))
	require.NoError(t, err)

	require.NoError(t, store.CreateNamespace(&types.Namespace{ID: "ns1", Name: "team-a", Owner: "alice@example.com"}))

	return New(store, nil, enc, "root@example.com"), store
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}, principal string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set("X-Fluxpod-Principal", principal)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestCreateContainerRequiresAuthorizedNamespace(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/containers?namespace=team-a&name=c1", types.ContainerRequest{Image: "x"}, "eve@example.com")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/containers?namespace=team-a&name=c1", types.ContainerRequest{Image: "x"}, "alice@example.com")
	require.Equal(t, http.StatusCreated, w.Code)

	var created types.Container
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.Equal(t, types.ContainerRunning, created.DesiredStatus)
	st, err := created.Status()
	require.NoError(t, err)
	require.Equal(t, types.ContainerDefined, st.Status)
}

func TestGetContainerByNamespaceAndName(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/containers?namespace=team-a&name=c1", types.ContainerRequest{Image: "x"}, "alice@example.com")
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/containers/team-a/c1", nil, "alice@example.com")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/containers/team-a/missing", nil, "alice@example.com")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPatchContainerWithoutNoDeleteIsRefused(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/containers?namespace=team-a&name=c1", types.ContainerRequest{Image: "x"}, "alice@example.com")

	w := doJSON(t, s, http.MethodPatch, "/containers/team-a/c1", types.ContainerRequest{Image: "y"}, "alice@example.com")
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s, http.MethodPatch, "/containers/team-a/c1?no_delete=true", types.ContainerRequest{Image: "y"}, "alice@example.com")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteContainerIsIdempotentlyNotFoundAfter(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/containers?namespace=team-a&name=c1", types.ContainerRequest{Image: "x"}, "alice@example.com")

	w := doJSON(t, s, http.MethodDelete, "/containers/team-a/c1", nil, "alice@example.com")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodGet, "/containers/team-a/c1", nil, "alice@example.com")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessorScaleUpdatesReplicaFields(t *testing.T) {
	s, _ := newTestServer(t)

	p := types.Processor{
		ResourceMeta: types.ResourceMeta{Name: "p1", Namespace: "team-a"},
		Container:    types.ContainerRequest{Image: "worker"},
		MinReplicas:  1,
		MaxReplicas:  5,
	}
	w := doJSON(t, s, http.MethodPost, "/processors?namespace=team-a&name=p1", p, "alice@example.com")
	require.Equal(t, http.StatusCreated, w.Code)

	replicas, minReplicas := 3, 2
	w = doJSON(t, s, http.MethodPost, "/processors/team-a/p1/scale", map[string]*int{
		"replicas":     &replicas,
		"min_replicas": &minReplicas,
	}, "alice@example.com")
	require.Equal(t, http.StatusOK, w.Code)

	var updated types.Processor
	require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
	require.Equal(t, 3, updated.DesiredReplicas)
	require.Equal(t, 2, updated.MinReplicas)
}

func TestSecretValueNeverReturnedInPlaintext(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/secrets", map[string]string{
		"name": "db-password", "namespace": "team-a", "value": "hunter2",
	}, "alice@example.com")
	require.Equal(t, http.StatusCreated, w.Code)

	var secret types.Secret
	require.NoError(t, json.NewDecoder(w.Body).Decode(&secret))
	require.NotContains(t, string(secret.EncryptedValue), "hunter2")
}

func TestCacheRequiresBroker(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/cache/team-a/somekey", nil, "alice@example.com")
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUnknownNamespaceReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/containers?namespace=ghost&name=c1", types.ContainerRequest{Image: "x"}, "alice@example.com")
	require.Equal(t, http.StatusNotFound, w.Code)
}
