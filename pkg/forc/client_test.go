package forc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Setenv("FORC_API_KEY", "api-key")
	client, err := New(logr.Discard(), &config.Forc{
		Activated:  true,
		BackendURL: server.URL + "/",
		AccessURL:  "https://proxy.example.org/",
	})
	require.NoError(t, err)
	return client
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("FORC_API_KEY", "")
	_, err := New(logr.Discard(), &config.Forc{BackendURL: "https://proxy.example.org"})
	assert.Error(t, err)
}

func TestCreateBackend(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/backends", r.URL.Path)
		require.Equal(t, "api-key", r.Header.Get("X-API-KEY"))
		var params CreateBackendParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "rstudio", params.Template)
		json.NewEncoder(w).Encode(api.Backend{
			ID:              7,
			Owner:           params.Owner,
			Template:        params.Template,
			TemplateVersion: params.TemplateVersion,
			LocationURL:     "https://proxy.example.org/rstudio/7",
		})
	}))

	backend, err := client.CreateBackend(context.Background(), CreateBackendParams{
		Owner:           "user-1",
		Template:        "rstudio",
		TemplateVersion: "2.0.1",
		UpstreamURL:     "http://10.0.2.15:8787",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), backend.ID)
	assert.Equal(t, "https://proxy.example.org", client.AccessURL())
}

func TestGetBackendsByOwner(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/backends/byOwner/user-1", r.URL.Path)
		json.NewEncoder(w).Encode([]api.Backend{{ID: 1, Owner: "user-1"}})
	}))

	backends, err := client.GetBackendsByOwner(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, backends, 1)
	assert.Equal(t, int64(1), backends[0].ID)
}

func TestDeleteBackendNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	err := client.DeleteBackend(context.Background(), 42)
	assert.True(t, apierror.IsKind(err, apierror.BackendNotFound))
}

func TestHasTemplateVersion(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/templates/rstudio/2.0.1" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	served, err := client.HasTemplateVersion(context.Background(), "rstudio", "2.0.1")
	require.NoError(t, err)
	assert.True(t, served)

	served, err = client.HasTemplateVersion(context.Background(), "rstudio", "9.9.9")
	require.NoError(t, err)
	assert.False(t, served)
}
