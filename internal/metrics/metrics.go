// Package metrics exposes Prometheus collectors for the stream, the REST
// client, the send pipeline and the unread aggregate.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Recorder owns one registry. It satisfies transport.Metrics,
// remote.RequestObserver, outbox.Metrics and store.Badge.
type Recorder struct {
	registry *prometheus.Registry

	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	dialAttempts    *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	messagesSent    *prometheus.CounterVec
	unreadTotal     prometheus.Gauge
	busDropped      *prometheus.CounterVec
	grpcHandled     *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imcore_stream_frames_received_total",
			Help: "Stream frames received, by event type.",
		}, []string{"type"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imcore_stream_frames_dropped_total",
			Help: "Stream frames discarded, by reason.",
		}, []string{"reason"}),
		dialAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imcore_stream_dial_attempts_total",
			Help: "Stream dial attempts, by outcome.",
		}, []string{"result"}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imcore_api_requests_total",
			Help: "REST API calls, by operation and status code.",
		}, []string{"op", "code"}),
		apiDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imcore_api_request_duration_seconds",
			Help:    "REST API call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imcore_messages_sent_total",
			Help: "Outgoing messages, by outcome.",
		}, []string{"result"}),
		unreadTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "imcore_unread_total",
			Help: "Aggregate unread count across conversations.",
		}),
		busDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imcore_bus_events_dropped_total",
			Help: "Bus events dropped on full subscribers, by kind.",
		}, []string{"kind"}),
		grpcHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imcore_grpc_server_handled_total",
			Help: "Control API calls handled, by method and code.",
		}, []string{"grpc_method", "grpc_code"}),
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imcore_connection_state",
			Help: "1 for the current stream connection state, 0 otherwise.",
		}, []string{"state"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) FrameReceived(kind string) { r.framesReceived.WithLabelValues(kind).Inc() }

func (r *Recorder) FrameDropped(reason string) { r.framesDropped.WithLabelValues(reason).Inc() }

func (r *Recorder) DialAttempt(ok bool) { r.dialAttempts.WithLabelValues(result(ok)).Inc() }

func (r *Recorder) ObserveRequest(op string, code int, d time.Duration) {
	r.apiRequests.WithLabelValues(op, strconv.Itoa(code)).Inc()
	r.apiDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (r *Recorder) MessageSent(ok bool) { r.messagesSent.WithLabelValues(result(ok)).Inc() }

// SetUnreadTotal implements store.Badge.
func (r *Recorder) SetUnreadTotal(total int) { r.unreadTotal.Set(float64(total)) }

// BusDropped counts an event lost on a full bus subscriber.
func (r *Recorder) BusDropped(kind string) { r.busDropped.WithLabelValues(kind).Inc() }

// ConnectionState marks state as the current connection state.
func (r *Recorder) ConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		r.connectionState.WithLabelValues(s).Set(v)
	}
}

// UnaryInterceptor counts handled control API calls.
func (r *Recorder) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		r.grpcHandled.WithLabelValues(methodName(info.FullMethod), status.Code(err).String()).Inc()
		return resp, err
	}
}

func methodName(fullMethod string) string {
	i := strings.LastIndex(fullMethod, "/")
	if i < 0 || i == len(fullMethod)-1 {
		return "unknown"
	}
	return fullMethod[i+1:]
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
