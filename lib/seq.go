package lib

import (
	"crypto/rand"
	"encoding/binary"
)

// Sequence numbers are 32-bit circular counters. Comparisons use
// serial-number arithmetic: the difference of two counters is reinterpreted
// as a signed value, so a counter up to half the space ahead of another is
// newer even when the raw value wrapped past zero.

// nextSeq is the modular successor of seq.
func nextSeq(seq uint32) uint32 {
	return seq + 1 // wraps to 0 past the top of the space
}

// seqCoveredBy reports whether a cumulative ack covers seq, i.e. seq <= ack
// on the circle. The forward distance from seq to ack must fall in the lower
// half of the space; a gap of exactly half counts as not covered.
func seqCoveredBy(seq, ack uint32) bool {
	return int32(ack-seq) >= 0
}

// randomInitialSeq draws a connection's initial sequence number.
func randomInitialSeq() (uint32, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}
