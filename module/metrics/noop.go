package metrics

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	nc := &NoopCollector{}
	return nc
}

func (nc *NoopCollector) MessageReceived(message string)      {}
func (nc *NoopCollector) MessageSent(message string)          {}
func (nc *NoopCollector) MessageDropped(reason string)        {}
func (nc *NoopCollector) InvalidSignature()                   {}
func (nc *NoopCollector) AntiEntropyReply(outcome string)     {}
func (nc *NoopCollector) ReplicationQueueDepth(depth int)     {}
func (nc *NoopCollector) ReplicationCompleted(result string)  {}
func (nc *NoopCollector) ChunkStoreUsed(bytes uint64)         {}
func (nc *NoopCollector) ChunkStoreEvent(kind string)         {}
func (nc *NoopCollector) DKGCompleted(result string)          {}
func (nc *NoopCollector) ProposalAgreed(kind string)          {}
