package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "cants"

	// Metrics names.
	MetricNameBuildInfo         = Namespace + "_build_info"
	MetricNameDispatched        = Namespace + "_dispatched_total"
	MetricNameNacks             = Namespace + "_nacks_total"
	MetricNameSessionsActive    = Namespace + "_sessions_active"
	MetricNameBlockFramesSent   = Namespace + "_block_frames_sent_total"
	MetricNameKeepAlive         = Namespace + "_keepalive_total"
	MetricNameBusSwitches       = Namespace + "_bus_switches_total"
	MetricNameActiveBus         = Namespace + "_active_bus"
	MetricNameTxQueueFull       = Namespace + "_tx_queue_full_total"
	MetricNameFramesDropped     = Namespace + "_frames_dropped_total"
	MetricNameMirrorPublishErrs = Namespace + "_mirror_publish_errors_total"

	// Labels.
	LabelVersion   = "version"
	LabelCommit    = "commit"
	LabelDate      = "date"
	LabelType      = "type"
	LabelComponent = "component"
	LabelReason    = "reason"
	LabelKind      = "kind"
	LabelResult    = "result"

	// Components.
	ComponentDispatcher  = "dispatcher"
	ComponentTelecommand = "telecommand"
	ComponentTelemetry   = "telemetry"
	ComponentSetBlock    = "setblock"
	ComponentGetBlock    = "getblock"

	// Nack reasons.
	ReasonQueueFull       = "queue_full"
	ReasonNotRequest      = "not_request"
	ReasonSessionMismatch = "session_mismatch"
	ReasonNoSlot          = "no_slot"
	ReasonBadAddress      = "bad_address"
	ReasonRejected        = "rejected"
	ReasonInvalid         = "invalid"

	// Drop reasons for frames that never reach the dispatcher.
	ReasonFiltered     = "filtered"
	ReasonInactiveBus  = "inactive_bus"
	ReasonNotExtended  = "not_extended"
	ReasonRemoteFrame  = "remote_frame"
	ReasonErrorFrame   = "error_frame"
	ReasonDispatchFull = "dispatch_full"

	// Keep-alive results.
	ResultSent    = "sent"
	ResultSkipped = "skipped"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the CAN-TS node",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	Dispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameDispatched,
			Help: "Number of messages classified by the dispatcher",
		},
		[]string{LabelType},
	)

	Nacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameNacks,
			Help: "Number of Nacks sent",
		},
		[]string{LabelComponent, LabelReason},
	)

	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameSessionsActive,
			Help: "Number of non-idle block transfer sessions",
		},
		[]string{LabelKind},
	)

	BlockFramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameBlockFramesSent,
			Help: "Number of Get Block data frames sent",
		},
	)

	KeepAlive = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameKeepAlive,
			Help: "Number of keep-alive periods by result",
		},
		[]string{LabelResult},
	)

	BusSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameBusSwitches,
			Help: "Number of redundancy bus switches",
		},
	)

	ActiveBus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameActiveBus,
			Help: "Index of the active CAN bus",
		},
	)

	TxQueueFull = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameTxQueueFull,
			Help: "Number of sends rejected because the outbound queue was full",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameFramesDropped,
			Help: "Number of received frames dropped before dispatch",
		},
		[]string{LabelReason},
	)

	MirrorPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameMirrorPublishErrs,
			Help: "Number of failed MQTT mirror publishes",
		},
	)
)
