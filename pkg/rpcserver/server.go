// Package rpcserver exposes the handler's operations over HTTP/JSON. Each
// operation is one route; errors travel as a JSON body whose kind mirrors
// the error taxonomy of pkg/apierror.
package rpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/config"
	"github.com/deNBI/simplevm-client/pkg/handler"
)

// Server serves the RPC surface.
type Server struct {
	log     logr.Logger
	cfg     *config.Server
	handler *handler.Handler
	http    *http.Server
}

// New builds the server with its routes mounted.
func New(log logr.Logger, cfg *config.Server, h *handler.Handler) *Server {
	s := &Server{
		log:     log.WithName("rpc"),
		cfg:     cfg,
		handler: h,
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	s.mount(router)
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until the context ends, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Error(err, "failed to drain server")
		}
	}()

	var err error
	if s.cfg.UseSSL {
		tlsConfig, tlsErr := s.tlsConfig()
		if tlsErr != nil {
			return tlsErr
		}
		s.http.TLSConfig = tlsConfig
		s.log.Info("listening with TLS", "addr", s.http.Addr)
		err = s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		s.log.Info("listening", "addr", s.http.Addr)
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// tlsConfig requires client certificates signed by the configured CA when a
// CA bundle is given.
func (s *Server) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.cfg.CACertsPath != "" {
		pem, err := os.ReadFile(s.cfg.CACertsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA bundle %s: %w", s.cfg.CACertsPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", s.cfg.CACertsPath)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// errorBody is the wire form of a failed operation.
type errorBody struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Resource string `json:"resource,omitempty"`
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(kind apierror.Kind) int {
	switch kind {
	case apierror.ImageNotFound, apierror.FlavorNotFound, apierror.ServerNotFound,
		apierror.VolumeNotFound, apierror.SnapshotNotFound, apierror.SecurityGroupNotFound,
		apierror.BackendNotFound, apierror.TemplateNotFound, apierror.ClusterNotFound,
		apierror.PlaybookNotFound:
		return http.StatusNotFound
	case apierror.ImageNotActive, apierror.OpenStackConflict:
		return http.StatusConflict
	case apierror.ResourceNotAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apierror.KindOf(err)
	body := errorBody{Error: string(kind), Message: err.Error()}
	var ae *apierror.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Resource = ae.Resource
	}
	s.writeJSON(w, statusOf(kind), body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error(err, "failed to encode response")
	}
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: err.Error()})
}
