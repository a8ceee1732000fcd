package observability

import (
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricServerConnActive       = []string{"tcprouter", "server", "connections", "active"}
	MetricServerConnCount        = []string{"tcprouter", "server", "connections", "count"}
	MetricServerAdmissionRejects = []string{"tcprouter", "server", "admission", "reject", "count"}
	MetricServerHandshakeErrors  = []string{"tcprouter", "server", "handshake", "error", "count"}
	MetricServerDecryptDrops     = []string{"tcprouter", "server", "decrypt", "drop", "count"}
	MetricServerRequestCount     = []string{"tcprouter", "server", "request", "count"}
	MetricServerDispatchErrors   = []string{"tcprouter", "server", "dispatch", "error", "count"}
	MetricServerDispatchMillis   = []string{"tcprouter", "server", "dispatch", "ms"}

	MetricClientPending         = []string{"tcprouter", "client", "pending"}
	MetricClientRequestCount    = []string{"tcprouter", "client", "request", "count"}
	MetricClientTimeouts        = []string{"tcprouter", "client", "timeout", "count"}
	MetricClientCapacityRejects = []string{"tcprouter", "client", "capacity", "reject", "count"}
	MetricClientReconnects      = []string{"tcprouter", "client", "reconnect", "count"}
	MetricClientDecryptDrops    = []string{"tcprouter", "client", "decrypt", "drop", "count"}
	MetricClientRoundTripMillis = []string{"tcprouter", "client", "roundtrip", "ms"}
)

// Label names attached to metrics.
type Label string

var (
	LabelReason Label = "reason"
	LabelRoute  Label = "route"
	LabelPeer   Label = "peer"
)

// M builds a go-metrics label.
func (l Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(l), Value: val}
}

// Sink returns ms, or the global go-metrics instance if nil.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}

// SinceMillis is the elapsed time since start in milliseconds, for AddSample.
func SinceMillis(start time.Time) float32 {
	return float32(time.Since(start).Seconds() * 1000)
}

// InitMetrics installs an in-memory sink as the global go-metrics sink and
// dumps it to stderr on SIGUSR1.
func InitMetrics(service string) (*metrics.InmemSink, error) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(service)
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	metrics.DefaultInmemSignal(sink)
	return sink, nil
}
