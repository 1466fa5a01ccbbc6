// Package server exposes a running session over HTTP: status, results,
// an SSE event feed and a websocket plot stream.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/events"
	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/recorder"
)

// Session is what the API needs from a session.
type Session interface {
	ID() string
	Status() mvc.Status
	Records() []recorder.Record
	FileBase() string
	Stop()
	Hub() *events.EventHub
}

type Server struct {
	sess   Session
	router *gin.Engine

	mu   sync.Mutex
	srvs []*http.Server
}

func New(sess Session) *Server {
	s := &Server{sess: sess}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", s.getStatus)
	router.GET("/results", s.getResults)
	router.GET("/results.csv", s.getResultsCSV)
	router.GET("/events", s.getEvents)
	router.GET("/stream", s.getStream)
	router.POST("/stop", s.stop)
	router.GET("/version", getVersion)

	return router
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenUnix serves the API on a unix socket. A stale socket file is removed
// first.
func (s *Server) ListenUnix(socketPath string, allowNonRoot bool) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "failed to remove stale socket %s", socketPath)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", socketPath)
	}

	if allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", socketPath)
		if err := os.Chmod(socketPath, 0777); err != nil {
			_ = l.Close()
			return pkgerrors.Wrapf(err, "failed to chmod %s", socketPath)
		}
	}

	s.serve(l)
	return nil
}

// ListenTCP serves the API on a TCP address and returns the bound address.
func (s *Server) ListenTCP(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.serve(l)
	return l.Addr(), nil
}

func (s *Server) serve(l net.Listener) {
	srv := &http.Server{
		Handler: s.router,
	}

	s.mu.Lock()
	s.srvs = append(s.srvs, srv)
	s.mu.Unlock()

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("http server on %s failed: %v", l.Addr().String(), err)
		}
	}()
}

// Shutdown stops all listeners. Streaming handlers end when the session
// hub is closed or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srvs := s.srvs
	s.srvs = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range srvs {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
