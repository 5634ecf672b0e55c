package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "messages_processed_total",
		Help:      "Inbound messages that passed deduplication.",
	})
	MessagesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "messages_duplicate_total",
		Help:      "Inbound messages dropped as duplicates.",
	})
	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "ai_calls_total",
		Help:      "Completion requests by phase.",
	}, []string{"phase"})
	SearchCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "search_calls_total",
		Help:      "Web searches triggered by the marker protocol.",
	})
	MediaResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "quoted_media_resolutions_total",
		Help:      "Quoted media lookups by the source that answered them.",
	}, []string{"source"})
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "reconnects_total",
		Help:      "Scheduled reconnects by close reason.",
	}, []string{"reason"})
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "bus_events_dropped_total",
		Help:      "Session events dropped because a subscriber fell behind.",
	}, []string{"kind"})
	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wppbot",
		Name:      "failures_total",
		Help:      "Per-message failures by error kind.",
	}, []string{"kind"})
)

// Server exposes /metrics on addr.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics listener. Start is a no-op when addr is empty.
func NewServer(addr string, logger *zap.Logger) *Server {
	if addr == "" {
		return &Server{logger: logger}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	if s.srv == nil {
		return
	}
	go func() {
		s.logger.Info("metrics listener starting", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener error", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	_ = s.srv.Shutdown(ctx)
}
