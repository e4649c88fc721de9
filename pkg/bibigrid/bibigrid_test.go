package bibigrid

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
	"github.com/deNBI/simplevm-client/pkg/apierror"
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
	cfg := &config.Config{
		Bibigrid: config.Bibigrid{
			Activated:             true,
			Host:                  parsed.Hostname(),
			Port:                  port,
			SubNetwork:            "portal-subnet",
			UseMasterWithPublicIP: false,
		},
		OpenStack: config.OpenStack{GatewayIP: "192.52.2.1"},
	}
	return New(logr.Discard(), cfg, "30000 + x + y * 256")
}

func TestStartCluster(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/bibigrid/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(api.ClusterMessage{ClusterID: "abc123", Message: "started"})
	}))

	msg, err := client.StartCluster(context.Background(), ClusterRequest{
		Master: api.ClusterInstance{Type: "de.NBI large", Image: "ubuntu 22.04"},
		Workers: []api.ClusterWorker{
			{Type: "de.NBI small", Image: "ubuntu 22.04", Count: 3, OnDemand: true},
		},
		User:    "user-1",
		Project: "SimpleVM",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", msg.ClusterID)

	configurations := captured["configurations"].([]any)
	require.Len(t, configurations, 1)
	conf := configurations[0].(map[string]any)
	assert.Equal(t, "openstack", conf["infrastructure"])
	assert.Equal(t, "ubuntu", conf["sshUser"])
	assert.Equal(t, "portal-subnet", conf["subnet"])
	assert.Equal(t, []any{"defaultSimpleVM"}, conf["securityGroups"])
	assert.Equal(t, []any{"de.NBI_Bielefeld_environment.service"}, conf["waitForServices"])

	gateway := conf["gateway"].(map[string]any)
	assert.Equal(t, "192.52.2.1", gateway["ip"])
	assert.Equal(t, "30000 + x + y * 256", gateway["portFunction"])

	workers := conf["workerInstances"].([]any)
	require.Len(t, workers, 1)
	// Preemptible workers are never ordered, whatever the request says.
	assert.Equal(t, false, workers[0].(map[string]any)["onDemand"])

	meta := conf["meta"].(map[string]any)
	assert.Equal(t, "user-1", meta["user"])
	assert.Equal(t, "SimpleVM", meta["project"])
}

func TestTerminateCluster(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/bibigrid/terminate/abc123", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "openstack", body["mode"])
		json.NewEncoder(w).Encode(api.ClusterMessage{ClusterID: "abc123", Message: "terminating"})
	}))

	msg, err := client.TerminateCluster(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", msg.ClusterID)
}

func TestGetClusterStateNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.GetClusterState(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.ClusterNotFound))
}

func TestSupportedOSVersions(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bibigrid/requirements", r.URL.Path)
		w.Write([]byte(`{"cloud_node_requirements":{"os_distro":{"ubuntu":{"os_versions":["20.04","22.04"]}}}}`))
	}))

	versions, err := client.SupportedOSVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20.04", "22.04"}, versions)
	assert.True(t, client.Available(context.Background()))
}
