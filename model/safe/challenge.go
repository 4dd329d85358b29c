package safe

import (
	"encoding/binary"
	"math/bits"
)

// Resource challenge for joins: the candidate must find a response whose
// hash together with the elder-issued nonce carries enough leading zero
// bits. Solving costs work proportional to 2^difficulty; verification is
// one hash.

// SolveChallenge searches for a response to the nonce at the given
// difficulty. Difficulty is capped by the hash width; practical values
// stay far below it.
func SolveChallenge(nonce []byte, difficulty uint8) []byte {
	response := make([]byte, 8)
	for counter := uint64(0); ; counter++ {
		binary.BigEndian.PutUint64(response, counter)
		if VerifyChallenge(nonce, response, difficulty) {
			return response
		}
	}
}

// VerifyChallenge checks a challenge response.
func VerifyChallenge(nonce, response []byte, difficulty uint8) bool {
	if len(response) == 0 {
		return difficulty == 0
	}
	digest := NamedHash(append(append([]byte{}, nonce...), response...))
	var zeros uint8
	for _, b := range digest {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += uint8(bits.LeadingZeros8(b))
		break
	}
	return zeros >= difficulty
}
