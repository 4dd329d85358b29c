package metrics

const (
	namespaceNode    = "sn"
	subsystemNetwork = "network"
	subsystemAE      = "antientropy"
	subsystemRepl    = "replication"
	subsystemStore   = "chunkstore"
	subsystemDKG     = "dkg"
)

const (
	LabelMessage = "message"
	LabelReason  = "reason"
	LabelOutcome = "outcome"
	LabelResult  = "result"
	LabelKind    = "kind"
)
