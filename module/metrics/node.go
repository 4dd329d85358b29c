package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NodeCollector gathers the node-wide counters: network traffic, anti-entropy
// corrections, replication progress and chunk store occupancy.
type NodeCollector struct {
	received          *prometheus.CounterVec
	sent              *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	invalidSignatures prometheus.Counter
	aeReplies         *prometheus.CounterVec
	replQueueDepth    prometheus.Gauge
	replCompleted     *prometheus.CounterVec
	storeUsed         prometheus.Gauge
	storeEvents       *prometheus.CounterVec
	dkgSessions       *prometheus.CounterVec
	proposalsAgreed   *prometheus.CounterVec
}

func NewNodeCollector() *NodeCollector {

	nc := &NodeCollector{

		received: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "messages_received_total",
			Namespace: namespaceNode,
			Subsystem: subsystemNetwork,
			Help:      "the number of messages received from the network",
		}, []string{LabelMessage}),

		sent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "messages_sent_total",
			Namespace: namespaceNode,
			Subsystem: subsystemNetwork,
			Help:      "the number of messages sent to the network",
		}, []string{LabelMessage}),

		dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "messages_dropped_total",
			Namespace: namespaceNode,
			Subsystem: subsystemNetwork,
			Help:      "the number of inbound messages dropped",
		}, []string{LabelReason}),

		invalidSignatures: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "invalid_signatures_total",
			Namespace: namespaceNode,
			Subsystem: subsystemNetwork,
			Help:      "the number of messages rejected for an invalid signature",
		}),

		aeReplies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "replies_total",
			Namespace: namespaceNode,
			Subsystem: subsystemAE,
			Help:      "anti-entropy verdicts by outcome",
		}, []string{LabelOutcome}),

		replQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "queue_depth",
			Namespace: namespaceNode,
			Subsystem: subsystemRepl,
			Help:      "the number of replication jobs waiting or in flight",
		}),

		replCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "jobs_completed_total",
			Namespace: namespaceNode,
			Subsystem: subsystemRepl,
			Help:      "finished replication jobs by result",
		}, []string{LabelResult}),

		storeUsed: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "used_bytes",
			Namespace: namespaceNode,
			Subsystem: subsystemStore,
			Help:      "bytes currently held by the chunk store",
		}),

		storeEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "events_total",
			Namespace: namespaceNode,
			Subsystem: subsystemStore,
			Help:      "chunk store capacity events",
		}, []string{LabelKind}),

		dkgSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "sessions_total",
			Namespace: namespaceNode,
			Subsystem: subsystemDKG,
			Help:      "finished DKG sessions by result",
		}, []string{LabelResult}),

		proposalsAgreed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "proposals_agreed_total",
			Namespace: namespaceNode,
			Subsystem: subsystemNetwork,
			Help:      "proposals that reached threshold agreement, by kind",
		}, []string{LabelKind}),
	}

	return nc
}

func (nc *NodeCollector) MessageReceived(message string) {
	nc.received.With(prometheus.Labels{LabelMessage: message}).Inc()
}

func (nc *NodeCollector) MessageSent(message string) {
	nc.sent.With(prometheus.Labels{LabelMessage: message}).Inc()
}

func (nc *NodeCollector) MessageDropped(reason string) {
	nc.dropped.With(prometheus.Labels{LabelReason: reason}).Inc()
}

func (nc *NodeCollector) InvalidSignature() {
	nc.invalidSignatures.Inc()
}

func (nc *NodeCollector) AntiEntropyReply(outcome string) {
	nc.aeReplies.With(prometheus.Labels{LabelOutcome: outcome}).Inc()
}

func (nc *NodeCollector) ReplicationQueueDepth(depth int) {
	nc.replQueueDepth.Set(float64(depth))
}

func (nc *NodeCollector) ReplicationCompleted(result string) {
	nc.replCompleted.With(prometheus.Labels{LabelResult: result}).Inc()
}

func (nc *NodeCollector) ChunkStoreUsed(bytes uint64) {
	nc.storeUsed.Set(float64(bytes))
}

func (nc *NodeCollector) ChunkStoreEvent(kind string) {
	nc.storeEvents.With(prometheus.Labels{LabelKind: kind}).Inc()
}

func (nc *NodeCollector) DKGCompleted(result string) {
	nc.dkgSessions.With(prometheus.Labels{LabelResult: result}).Inc()
}

func (nc *NodeCollector) ProposalAgreed(kind string) {
	nc.proposalsAgreed.With(prometheus.Labels{LabelKind: kind}).Inc()
}
