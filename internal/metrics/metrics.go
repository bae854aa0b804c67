// Package metrics exposes the MME's Prometheus counters and the HTTP
// server that serves them, adapted from the teacher repo's shared
// common/metrics package down to a single network function.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ServiceUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mme_service_up",
		Help: "Whether the MME process is up (1 = up, 0 = down)",
	})

	AssociatedENBs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mme_associated_enbs",
		Help: "Number of eNBs currently in S1AP Active state",
	})

	RegisteredUEs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mme_registered_ues",
		Help: "Number of EMM contexts in Registered state",
	})

	ConnectedUEs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mme_connected_ues",
		Help: "Number of ECM sessions in Connected state",
	})

	AttachAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mme_attach_attempts_total",
		Help: "Total number of Attach Request procedures started",
	}, []string{"result"})

	AuthenticationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mme_authentication_failures_total",
		Help: "Total number of authentication failures by cause",
	}, []string{"cause"})

	S6aRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mme_s6a_requests_total",
		Help: "Total number of S6a requests by operation and result",
	}, []string{"operation", "result"})

	S11Retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mme_s11_retransmissions_total",
		Help: "Total number of GTPv2-C retransmissions on S11",
	})

	S11PathFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mme_s11_path_failures_total",
		Help: "Total number of S11 GTP-path failures after N3 retransmissions",
	})

	PagingBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mme_paging_broadcasts_total",
		Help: "Total number of Paging messages broadcast to associated eNBs",
	})

	UEIDExhaustion = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mme_ueid_exhaustion_total",
		Help: "Total number of times MME-UE-S1AP-ID allocation failed (registry saturated)",
	})
)

// RecordAttach records an Attach outcome ("success", "failure", ...).
func RecordAttach(result string) { AttachAttempts.WithLabelValues(result).Inc() }

// RecordAuthFailure records an authentication failure by cause name.
func RecordAuthFailure(cause string) { AuthenticationFailures.WithLabelValues(cause).Inc() }

// RecordS6a records an S6a request outcome.
func RecordS6a(operation, result string) { S6aRequests.WithLabelValues(operation, result).Inc() }

// SetServiceUp flips the top-level liveness gauge.
func SetServiceUp(up bool) {
	if up {
		ServiceUp.Set(1)
	} else {
		ServiceUp.Set(0)
	}
}

// Server is the Prometheus HTTP exporter, identical in shape to the
// teacher's MetricsServer but parameterized on a bind address rather than
// a bare port since it shares a process with the admin HTTP surface.
type Server struct {
	addr   string
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics HTTP server.
func NewServer(addr string, logger *zap.Logger) *Server {
	return &Server{addr: addr, logger: logger}
}

// Start serves /metrics and /healthz until Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("starting metrics server", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
