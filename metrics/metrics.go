// Package metrics exposes the MAC's operational counters through prometheus.
// All methods are safe on a nil receiver so instrumentation stays optional.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors of a single node.
type Metrics struct {
	txResults      *prometheus.CounterVec
	rxFrames       prometheus.Counter
	inputDrops     prometheus.Counter
	duplicateDrops prometheus.Counter
	deadlineMisses prometheus.Counter
	skippedSlots   prometheus.Counter
	desyncs        prometheus.Counter
	ebsSent        prometheus.Counter
	ebsReceived    prometheus.Counter
}

// New registers the node's collectors with the given registerer.
func New(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node": nodeID}
	m := &Metrics{
		txResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tsch_tx_results_total",
			Help:        "Transmission attempts by final MAC result.",
			ConstLabels: labels,
		}, []string{"result"}),
		rxFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_rx_frames_total",
			Help:        "Frames accepted in RX slots.",
			ConstLabels: labels,
		}),
		inputDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_input_ring_drops_total",
			Help:        "Frames dropped because the input ring was full.",
			ConstLabels: labels,
		}),
		duplicateDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_duplicate_drops_total",
			Help:        "Frames dropped by link-layer duplicate detection.",
			ConstLabels: labels,
		}),
		deadlineMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_deadline_misses_total",
			Help:        "Slot deadlines missed and skipped over.",
			ConstLabels: labels,
		}),
		skippedSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_skipped_slots_total",
			Help:        "Slots skipped due to a pending lock request or no link.",
			ConstLabels: labels,
		}),
		desyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_desyncs_total",
			Help:        "Times the node lost synchronization and left the network.",
			ConstLabels: labels,
		}),
		ebsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_ebs_enqueued_total",
			Help:        "Enhanced beacons enqueued for transmission.",
			ConstLabels: labels,
		}),
		ebsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tsch_ebs_received_total",
			Help:        "Enhanced beacons received and parsed.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.txResults, m.rxFrames, m.inputDrops, m.duplicateDrops,
		m.deadlineMisses, m.skippedSlots, m.desyncs, m.ebsSent, m.ebsReceived)
	return m
}

// TxResult counts one transmission attempt outcome.
func (m *Metrics) TxResult(result string) {
	if m != nil {
		m.txResults.WithLabelValues(result).Inc()
	}
}

// RxFrame counts one accepted frame.
func (m *Metrics) RxFrame() {
	if m != nil {
		m.rxFrames.Inc()
	}
}

// InputDrop counts one input-ring overflow.
func (m *Metrics) InputDrop() {
	if m != nil {
		m.inputDrops.Inc()
	}
}

// DuplicateDrop counts one duplicate frame drop.
func (m *Metrics) DuplicateDrop() {
	if m != nil {
		m.duplicateDrops.Inc()
	}
}

// DeadlineMiss counts one skipped slot deadline.
func (m *Metrics) DeadlineMiss() {
	if m != nil {
		m.deadlineMisses.Inc()
	}
}

// SkippedSlot counts one slot skipped at the prologue.
func (m *Metrics) SkippedSlot() {
	if m != nil {
		m.skippedSlots.Inc()
	}
}

// Desync counts one synchronization loss.
func (m *Metrics) Desync() {
	if m != nil {
		m.desyncs.Inc()
	}
}

// EBSent counts one enqueued beacon.
func (m *Metrics) EBSent() {
	if m != nil {
		m.ebsSent.Inc()
	}
}

// EBReceived counts one parsed beacon.
func (m *Metrics) EBReceived() {
	if m != nil {
		m.ebsReceived.Inc()
	}
}
