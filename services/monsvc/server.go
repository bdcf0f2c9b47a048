package monsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"iut/pkg/monitoring"
)

// Server records the statuses reported by machines during provisioning.
type Server struct {
	store   *Store
	metrics *Metrics
	log     logrus.FieldLogger
}

// Option customises a Server.
type Option func(*Server)

func WithStore(store *Store) Option {
	return func(s *Server) { s.store = store }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func New(log logrus.FieldLogger, opts ...Option) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewStore()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.metrics.observe(s.store)
	return s
}

func (s *Server) Store() *Store { return s.store }

// Routes constructs the chi router. Extra middleware, such as request
// tracing, wraps every route.
func (s *Server) Routes(mw ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(mw...)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/machines", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Put("/{mid}/status", s.handleStatus)
	})
	return r
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	items := s.store.List()
	s.log.Debugf("Found %d machine(s)", len(items))
	respondJSON(w, http.StatusOK, listResponse{Items: items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		s.reject(w, http.StatusBadRequest, "payload", msgPayloadValidation, err)
		return
	}
	if err := req.validate(); err != nil {
		s.reject(w, http.StatusBadRequest, "payload", msgPayloadValidation, err)
		return
	}
	if !s.store.Create(Record(req)) {
		s.reject(w, http.StatusBadRequest, "duplicate", msgAlreadyExists, fmt.Errorf("machine %s already exists", req.ID))
		return
	}

	s.metrics.registrations.Inc()
	s.metrics.observe(s.store)
	s.log.Infof("Registered a new machine (%s)", req.ID)
	respondMessage(w, http.StatusCreated, msgOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mid")
	if err := validID(id); err != nil {
		s.reject(w, http.StatusBadRequest, "uri", msgURIValidation, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.reject(w, http.StatusBadRequest, "payload", msgPayloadValidation, err)
		return
	}
	if err := req.validate(); err != nil {
		s.reject(w, http.StatusBadRequest, "payload", msgPayloadValidation, err)
		return
	}

	prev, ok := s.store.Update(id, req.Status, req.IP)
	if !ok {
		s.reject(w, http.StatusNotFound, "unknown", msgUnknownMachine, fmt.Errorf("machine %s is not registered", id))
		return
	}

	s.metrics.updates.WithLabelValues(req.Status).Inc()
	s.metrics.observe(s.store)
	s.log.Infof("Changed machine (%s) status from '%s' to '%s'", id, prev.Status, req.Status)
	respondMessage(w, http.StatusOK, msgOK)
}

func (s *Server) reject(w http.ResponseWriter, status int, reason, msg string, err error) {
	s.metrics.rejected.WithLabelValues(reason).Inc()
	s.log.WithError(err).Warn(msg)
	respondMessage(w, status, msg)
}

// Listener binds the first free port among port and fallbacks on every
// interface.
func Listener(port int, fallbacks ...int) (net.Listener, error) {
	var errs []error
	for _, p := range append([]int{port}, fallbacks...) {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("no free port for the monitoring service: %w", errors.Join(errs...))
}

// Running is a server started in the background.
type Running struct {
	srv  *http.Server
	port int
	done chan error
}

// Service returns the address clients on this host use to reach it.
func (r *Running) Service() monitoring.Service { return monitoring.Local(r.port) }

// Shutdown stops the server and waits for Serve to return.
func (r *Running) Shutdown(ctx context.Context) error {
	err := r.srv.Shutdown(ctx)
	if serveErr := <-r.done; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	return err
}

// Serve runs the server on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener, mw ...func(http.Handler) http.Handler) *Running {
	srv := &http.Server{
		Handler:           s.Routes(mw...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	running := &Running{srv: srv, port: port, done: make(chan error, 1)}
	go func() {
		running.done <- srv.Serve(ln)
	}()
	s.log.Infof("Monitoring service listening on port %d", port)
	return running
}
