package safe

// Network parameters. Deployments may tune these through config; the
// defaults here match the reference network.
const (
	// DefaultElderCount is E, the size of a section's decision-making set.
	DefaultElderCount = 7

	// MinAge is the minimum age required of an adult.
	MinAge = 5

	// DefaultReplicationFactor is R, the target holder count per chunk.
	DefaultReplicationFactor = 4

	// DefaultSplitBuffer is the surplus of joined members per half-prefix
	// required beyond the elder count before a split is proposed.
	DefaultSplitBuffer = 2
)

// SuperMajority returns the number of shares required for threshold
// agreement among n participants: ceil(2n/3).
func SuperMajority(n int) int {
	return (2*n + 2) / 3
}

// FaultTolerance returns the number of participants whose failure reports
// suffice to declare a DKG session failed: ceil(n/3).
func FaultTolerance(n int) int {
	return (n + 2) / 3
}

// ThresholdParam converts a required share count into the threshold
// parameter expected by the crypto library, which needs t+1 shares for a
// reconstruction with parameter t.
func ThresholdParam(sharesRequired int) int {
	return sharesRequired - 1
}
