package rpcserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deNBI/simplevm-client/pkg/apierror"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind     apierror.Kind
		expected int
	}{
		{apierror.ServerNotFound, http.StatusNotFound},
		{apierror.ImageNotFound, http.StatusNotFound},
		{apierror.TemplateNotFound, http.StatusNotFound},
		{apierror.PlaybookNotFound, http.StatusNotFound},
		{apierror.OpenStackConflict, http.StatusConflict},
		{apierror.ImageNotActive, http.StatusConflict},
		{apierror.ResourceNotAvailable, http.StatusServiceUnavailable},
		{apierror.Default, http.StatusInternalServerError},
	}
	for _, test := range tests {
		t.Run(string(test.kind), func(t *testing.T) {
			assert.Equal(t, test.expected, statusOf(test.kind))
		})
	}
}

func TestMountCoversFullSurface(t *testing.T) {
	s := &Server{log: logr.Discard()}
	router := chi.NewRouter()
	s.mount(router)

	routes := map[string]bool{}
	require.NoError(t, chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes[method+" "+route] = true
		return nil
	}))

	for _, route := range []string{
		"POST /keypairs/",
		"GET /keypairs/{name}",
		"DELETE /keypairs/{name}",
		"GET /security-groups/{name}",
		"DELETE /security-group-rules/{id}",
		"DELETE /vms/{id}/security-groups",
		"POST /vms/{id}/security-groups/default",
		"POST /vms/{id}/security-groups/project",
		"POST /vms/{id}/security-groups/research-environment",
		"POST /vms/{id}/metadata",
		"GET /metadata-server/health",
		"POST /metadata-server/{ip}",
		"DELETE /metadata-server/{ip}",
		"POST /volumes/from-volume",
		"GET /forc/backend-url",
	} {
		assert.True(t, routes[route], "route %s not registered", route)
	}
}

func TestWriteError(t *testing.T) {
	s := &Server{log: logr.Discard()}
	recorder := httptest.NewRecorder()
	s.writeError(recorder, apierror.New(apierror.ServerNotFound, "vm-1", "server not found"))

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	var body errorBody
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ServerNotFound", body.Error)
	assert.Equal(t, "vm-1", body.Resource)
	assert.Equal(t, "server not found", body.Message)
}

func TestWriteErrorPlainError(t *testing.T) {
	s := &Server{log: logr.Discard()}
	recorder := httptest.NewRecorder()
	s.writeError(recorder, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "DefaultException", body.Error)
}
