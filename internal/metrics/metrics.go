package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tvclient_session_mode",
		Help: "1 for the current session mode, 0 otherwise",
	}, []string{"mode"})

	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvclient_session_errors_total",
		Help: "Errors surfaced to the operator by kind",
	}, []string{"kind"})

	FramesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvclient_frames_applied_total",
		Help: "Inbound frame events applied to the live view",
	}, []string{"source"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvclient_frames_dropped_total",
		Help: "Inbound frame events dropped by the throttle",
	}, []string{"source"})

	CaptureFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tvclient_capture_frames_total",
		Help: "Camera frames published to the analysis service",
	})

	CaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvclient_capture_errors_total",
		Help: "Capture loop failures by stage",
	}, []string{"stage"})

	CaptureEncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tvclient_capture_encode_duration_seconds",
		Help:    "Scale + JPEG encode latency per captured frame",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	ChannelConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tvclient_channel_connected",
		Help: "1 while the channel websocket is connected",
	})

	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tvclient_channel_reconnects_total",
		Help: "Channel reconnect attempts after a drop",
	})

	ChannelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvclient_channel_messages_total",
		Help: "Channel messages by direction and type",
	}, []string{"direction", "type"})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tvclient_upload_duration_seconds",
		Help:    "Video upload latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)
