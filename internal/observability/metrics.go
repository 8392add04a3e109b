package observability

import (
	"errors"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	uploads         *prometheus.CounterVec
	transcodes      *prometheus.CounterVec
	bytesSaved      prometheus.Counter
	deletes         *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec

	serverMetrics *grpcprom.ServerMetrics
	gatherer      prometheus.Gatherer
}

// InitMetrics registers the collectors with reg. Collectors that are
// already registered are reused, which keeps repeated setup in tests working.
func InitMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Metrics, error) {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3upload_uploads_total",
			Help: "Uploads by result and file type.",
		}, []string{"result", "file_type"}),
		transcodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3upload_transcodes_total",
			Help: "Transcode attempts by outcome.",
		}, []string{"outcome"}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3upload_transcode_bytes_saved_total",
			Help: "Bytes saved by storing transcoded images instead of originals.",
		}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3upload_deletes_total",
			Help: "Object deletions by result.",
		}, []string{"result"}),
		storageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "s3upload_storage_operation_seconds",
			Help:    "Object store operation latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "result"}),
		serverMetrics: grpcprom.NewServerMetrics(
			grpcprom.WithServerHandlingTimeHistogram(
				grpcprom.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}),
			),
		),
		gatherer: gatherer,
	}

	var err error
	if m.uploads, err = register(reg, m.uploads); err != nil {
		return nil, err
	}
	if m.transcodes, err = register(reg, m.transcodes); err != nil {
		return nil, err
	}
	if m.bytesSaved, err = register(reg, m.bytesSaved); err != nil {
		return nil, err
	}
	if m.deletes, err = register(reg, m.deletes); err != nil {
		return nil, err
	}
	if m.storageDuration, err = register(reg, m.storageDuration); err != nil {
		return nil, err
	}
	if m.serverMetrics, err = register(reg, m.serverMetrics); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) ObserveUpload(result, fileType string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result, fileType).Inc()
}

func (m *Metrics) ObserveTranscode(outcome string, originalSize, outputSize int64) {
	if m == nil {
		return
	}
	m.transcodes.WithLabelValues(outcome).Inc()
	if saved := originalSize - outputSize; outputSize > 0 && saved > 0 {
		m.bytesSaved.Add(float64(saved))
	}
}

func (m *Metrics) ObserveDelete(result string) {
	if m == nil {
		return
	}
	m.deletes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveStorage(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storageDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// GetServerMetrics returns the gRPC server metrics
func (m *Metrics) GetServerMetrics() *grpcprom.ServerMetrics {
	return m.serverMetrics
}

// Handler serves the registry given to InitMetrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// StartMetricsServer serves /metrics and /health on port in the background.
// Stop it with Shutdown on the returned server.
func StartMetricsServer(port string, handler http.Handler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
