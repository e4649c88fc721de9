package metadataservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	t.Setenv("METADATA_WRITE_TOKEN", "write-token")
	client, err := New(logr.Discard(), &config.Metadata{
		Activated: true,
		Host:      parsed.Hostname(),
		Port:      port,
	})
	require.NoError(t, err)
	return client
}

func TestNewRequiresWriteToken(t *testing.T) {
	t.Setenv("METADATA_WRITE_TOKEN", "")
	_, err := New(logr.Discard(), &config.Metadata{Host: "localhost", Port: 1})
	assert.Error(t, err)
}

func TestSetMetadata(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/metadata/10.0.2.15", r.URL.Path)
		require.Equal(t, "write-token", r.Header.Get("X-Auth-Token"))
		var payload api.ServerMetadata
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "my-vm", payload.Name)
		w.WriteHeader(http.StatusOK)
	}))

	err := client.SetMetadata(context.Background(), "10.0.2.15", &api.ServerMetadata{
		IP:   "10.0.2.15",
		Name: "my-vm",
	})
	require.NoError(t, err)
}

func TestRemoveMetadata(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/metadata/10.0.2.15", r.URL.Path)
		require.Equal(t, "write-token", r.Header.Get("X-Auth-Token"))
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, client.RemoveMetadata(context.Background(), "10.0.2.15"))
}

func TestAvailable(t *testing.T) {
	healthy := true
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	assert.True(t, client.Available(context.Background()))
	healthy = false
	assert.False(t, client.Available(context.Background()))
}
