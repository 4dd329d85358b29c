package messages

// UnsupportedVersion answers a frame whose version does not match ours.
type UnsupportedVersion struct {
	Supported uint16
	Received  uint16
}
