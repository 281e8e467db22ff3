package frontend

import (
	"net"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Leadrive/eventql/metadata"
	"github.com/Leadrive/eventql/metrics"
	"github.com/Leadrive/eventql/utils/log"
)

// Server exposes the metadata RPC endpoints over fasthttp.
type Server struct {
	svc      *metadata.Service
	listener *fasthttp.Server
}

func NewServer(svc *metadata.Service) *Server {
	s := &Server{svc: svc}
	s.listener = &fasthttp.Server{
		Handler:            s.route,
		Name:               "eventql",
		MaxRequestBodySize: 64 * 1024 * 1024,
	}
	return s
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())

	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	switch path {
	case metadata.PerformOperationPath:
		s.svc.HandlePerformOperation(ctx)
	case metadata.CreateFilePath:
		s.svc.HandleCreateFile(ctx)
	case metadata.DiscoverPartitionPath:
		s.svc.HandleDiscoverPartition(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	metrics.RPCRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

// Serve blocks serving an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.listener.Serve(ln)
}

// ListenAndServe blocks serving addr.
func (s *Server) ListenAndServe(addr string) error {
	log.Info("metadata rpc listening on %s", addr)
	return s.listener.ListenAndServe(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error {
	return s.listener.Shutdown()
}
