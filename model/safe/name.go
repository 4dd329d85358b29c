package safe

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"
)

// NameLen is the byte length of a XorName.
const NameLen = 32

// XorName is a 256-bit identifier in the network address space. The XOR of
// two names defines the distance metric used for all closeness decisions.
type XorName [NameLen]byte

// NamedHash returns the name of an arbitrary byte string, which is its
// SHA3-256 digest. Chunk addresses and node names are both derived this way.
func NamedHash(data []byte) XorName {
	return XorName(sha3.Sum256(data))
}

// Hex returns the full lowercase hex encoding of the name.
func (n XorName) Hex() string {
	return hex.EncodeToString(n[:])
}

// String returns a shortened hex form for logging.
func (n XorName) String() string {
	return fmt.Sprintf("%x..", n[:4])
}

// Age returns the age encoded in the trailing byte of the name. A node's age
// counts its relocations; the network requires Age() >= MinAge for adults.
func (n XorName) Age() uint8 {
	return n[NameLen-1]
}

// Bit returns the i-th most significant bit of the name.
func (n XorName) Bit(i int) bool {
	return n[i/8]&(1<<(7-uint(i%8))) != 0
}

// WithBit returns a copy of the name with the i-th most significant bit set
// to the given value.
func (n XorName) WithBit(i int, bit bool) XorName {
	out := n
	mask := byte(1 << (7 - uint(i%8)))
	if bit {
		out[i/8] |= mask
	} else {
		out[i/8] &^= mask
	}
	return out
}

// Xor returns the bitwise XOR of two names, i.e. their distance.
func (n XorName) Xor(other XorName) XorName {
	var out XorName
	for i := range n {
		out[i] = n[i] ^ other[i]
	}
	return out
}

// CmpDistance compares the distances of a and b from n. It returns -1 if a
// is closer, 1 if b is closer, and 0 if they are equidistant (a == b).
func (n XorName) CmpDistance(a, b XorName) int {
	for i := range n {
		da := n[i] ^ a[i]
		db := n[i] ^ b[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less imposes a total lexicographic order on names, used for tie-breaking.
func (n XorName) Less(other XorName) bool {
	return bytes.Compare(n[:], other[:]) < 0
}

// SortByDistance sorts names in place by ascending XOR distance from target,
// breaking exact ties (duplicates) by lexicographic order.
func SortByDistance(names []XorName, target XorName) {
	sort.Slice(names, func(i, j int) bool {
		cmp := target.CmpDistance(names[i], names[j])
		if cmp != 0 {
			return cmp < 0
		}
		return names[i].Less(names[j])
	})
}

// ParseName decodes a 64-character hex string into a XorName.
func ParseName(s string) (XorName, error) {
	var n XorName
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("could not decode name hex: %w", err)
	}
	if len(raw) != NameLen {
		return n, fmt.Errorf("invalid name length (expected %d, got %d)", NameLen, len(raw))
	}
	copy(n[:], raw)
	return n, nil
}
