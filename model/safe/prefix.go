package safe

import (
	"fmt"
	"strings"
)

// Prefix is a bit-string of length 0..256 identifying one section of the
// name space. Prefixes form a binary tree: the two one-bit extensions of a
// prefix are siblings and together partition it exactly.
//
// Bits beyond Len are always zero, so Prefix values are comparable with ==.
type Prefix struct {
	Bits XorName
	Len  uint16
}

// EmptyPrefix matches every name; it is the prefix of the genesis section.
func EmptyPrefix() Prefix {
	return Prefix{}
}

// ParsePrefix parses a prefix from its binary string form, e.g. "0110".
// The empty string parses to the empty prefix.
func ParsePrefix(s string) (Prefix, error) {
	if len(s) > NameLen*8 {
		return Prefix{}, fmt.Errorf("prefix too long (%d bits)", len(s))
	}
	p := Prefix{}
	for _, c := range s {
		switch c {
		case '0':
			p = p.Extend(false)
		case '1':
			p = p.Extend(true)
		default:
			return Prefix{}, fmt.Errorf("invalid prefix character %q", c)
		}
	}
	return p, nil
}

// Matches reports whether the name shares all of the prefix's bits.
func (p Prefix) Matches(name XorName) bool {
	full := int(p.Len) / 8
	for i := 0; i < full; i++ {
		if p.Bits[i] != name[i] {
			return false
		}
	}
	rem := int(p.Len) % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - uint(rem)))
	return p.Bits[full]&mask == name[full]&mask
}

// BitLen returns the number of bits in the prefix.
func (p Prefix) BitLen() int {
	return int(p.Len)
}

// Extend returns the prefix lengthened by one bit.
func (p Prefix) Extend(bit bool) Prefix {
	return Prefix{
		Bits: p.Bits.WithBit(int(p.Len), bit),
		Len:  p.Len + 1,
	}
}

// Sibling returns the prefix that differs from p only in its last bit.
// Calling Sibling on the empty prefix is invalid.
func (p Prefix) Sibling() Prefix {
	i := int(p.Len) - 1
	return Prefix{
		Bits: p.Bits.WithBit(i, !p.Bits.Bit(i)),
		Len:  p.Len,
	}
}

// Parent returns the prefix shortened by one bit.
func (p Prefix) Parent() Prefix {
	if p.Len == 0 {
		return p
	}
	i := int(p.Len) - 1
	return Prefix{
		Bits: p.Bits.WithBit(i, false),
		Len:  p.Len - 1,
	}
}

// IsPrefixOf reports whether q extends p (or equals it).
func (p Prefix) IsPrefixOf(q Prefix) bool {
	if q.Len < p.Len {
		return false
	}
	return p.Matches(q.Bits)
}

// IsExtensionOf reports whether p strictly extends q by exactly one bit.
func (p Prefix) IsExtensionOf(q Prefix) bool {
	return p.Len == q.Len+1 && q.Matches(p.Bits)
}

// Name returns the canonical base name of the prefix (prefix bits, zero
// padded). It is used as the destination name of section-addressed messages.
func (p Prefix) Name() XorName {
	return p.Bits
}

// String renders the prefix as a binary string; the empty prefix renders as
// an empty string.
func (p Prefix) String() string {
	var b strings.Builder
	for i := 0; i < int(p.Len); i++ {
		if p.Bits.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
