// Package metrics provides Prometheus metrics for the device client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device command metrics
	deviceCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashctl_device_commands_total",
			Help: "Total device commands by command and result kind",
		},
		[]string{"command", "result"},
	)

	deviceCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashctl_device_command_duration_seconds",
			Help:    "Device command round-trip time in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"command"},
	)

	// Session metrics
	heartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashctl_heartbeats_total",
			Help: "Heartbeat polls by outcome (ok, transient, terminal)",
		},
		[]string{"outcome"},
	)

	heartbeatFailuresConsecutive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashctl_heartbeat_consecutive_failures",
			Help: "Current run of terminal heartbeat failures",
		},
	)

	deviceConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashctl_device_connected",
			Help: "1 while the session is live, 0 after a fatal disconnect",
		},
	)

	deviceMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashctl_device_mode",
			Help: "1 for the mode the controller currently believes in",
		},
		[]string{"mode"},
	)

	deviceRecording = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashctl_device_recording",
			Help: "1 while the controller believes the device is recording",
		},
	)

	stateEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashctl_state_events_total",
			Help: "State change events published to subscribers",
		},
		[]string{"type"},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashctl_state_subscribers_active",
			Help: "Number of active state subscribers",
		},
	)

	// Catalog metrics
	catalogFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashctl_catalog_files",
			Help: "Number of recordings in the last successful catalog fetch",
		},
	)

	catalogBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashctl_catalog_bytes",
			Help: "Total size of recordings in the last successful catalog fetch",
		},
	)

	// Archive metrics
	archiveBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashctl_archive_bytes_total",
			Help: "Bytes copied from the device into object storage",
		},
	)

	archiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashctl_archive_uploads_total",
			Help: "Archive uploads by status",
		},
		[]string{"status"},
	)

	// Local API metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashctl_http_requests_total",
			Help: "Total number of local API requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashctl_http_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

var modes = []string{"unknown", "recording", "preview", "photo", "review"}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCommand records one device command.
func RecordCommand(command, result string, duration time.Duration) {
	deviceCommandsTotal.WithLabelValues(command, result).Inc()
	deviceCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordHeartbeat records a heartbeat outcome and the current failure run.
func RecordHeartbeat(outcome string, consecutive int) {
	heartbeatsTotal.WithLabelValues(outcome).Inc()
	heartbeatFailuresConsecutive.Set(float64(consecutive))
}

// SetConnected records session liveness.
func SetConnected(connected bool) {
	if connected {
		deviceConnected.Set(1)
	} else {
		deviceConnected.Set(0)
	}
}

// SetMode marks mode as the current one.
func SetMode(mode string) {
	for _, m := range modes {
		if m == mode {
			deviceMode.WithLabelValues(m).Set(1)
		} else {
			deviceMode.WithLabelValues(m).Set(0)
		}
	}
}

// SetRecording records the recording belief.
func SetRecording(recording bool) {
	if recording {
		deviceRecording.Set(1)
	} else {
		deviceRecording.Set(0)
	}
}

// RecordStateEvent counts a published state event.
func RecordStateEvent(eventType string) {
	stateEventsTotal.WithLabelValues(eventType).Inc()
}

// SetSubscribersActive records the subscriber count.
func SetSubscribersActive(count int64) {
	subscribersActive.Set(float64(count))
}

// SetCatalog records the size of the last catalog.
func SetCatalog(files int, bytes int64) {
	catalogFiles.Set(float64(files))
	catalogBytes.Set(float64(bytes))
}

// RecordArchive records an archive upload.
func RecordArchive(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	archiveUploadsTotal.WithLabelValues(status).Inc()
	if success {
		archiveBytesTotal.Add(float64(bytes))
	}
}

// RecordHTTPRequest records a local API request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
