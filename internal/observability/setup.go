package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/iamwavecut/ngmod"

var (
	auditMu     sync.RWMutex
	auditLogger = zap.NewNop()
)

// Audit returns the structured logger for enforcement records.
func Audit() *zap.Logger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditLogger
}

func SetAudit(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	auditMu.Lock()
	auditLogger = l
	auditMu.Unlock()
}

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Server wires the audit logger and tracer provider and serves /metrics and
// /healthz while running.
type Server struct {
	addr string
	srv  *http.Server
	tp   *sdktrace.TracerProvider
	wg   sync.WaitGroup
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

func (s *Server) Start(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	SetAudit(logger.Named("audit"))

	s.tp = sdktrace.NewTracerProvider()
	otel.SetTracerProvider(s.tp)

	if s.addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("object", "MetricsServer").WithField("error", err.Error()).Error("metrics server failed")
		}
	}()
	log.WithField("object", "MetricsServer").WithField("addr", ln.Addr().String()).Info("serving metrics")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	if s.srv != nil {
		stopErr = errors.Join(stopErr, s.srv.Shutdown(ctx))
		s.wg.Wait()
	}
	if s.tp != nil {
		stopErr = errors.Join(stopErr, s.tp.Shutdown(ctx))
	}
	_ = Audit().Sync()
	return stopErr
}
