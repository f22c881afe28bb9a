// Package asn implements the 40-bit Absolute Slot Number counter used by the
// TSCH MAC and the precomputed divisors used to map it onto slotframe and
// hopping-sequence lengths.
package asn

import "fmt"

// ASN is the 40-bit Absolute Slot Number, split into the most significant
// byte and the four least significant bytes. It increments once per timeslot
// and wraps only on astronomical timescales.
type ASN struct {
	MS1B uint8
	LS4B uint32
}

// New builds an ASN from its two halves.
func New(ms1b uint8, ls4b uint32) ASN {
	return ASN{MS1B: ms1b, LS4B: ls4b}
}

// Inc advances the counter by n slots, carrying into the high byte.
func (a *ASN) Inc(n uint32) {
	before := a.LS4B
	a.LS4B += n
	if a.LS4B < before {
		a.MS1B++
	}
}

// Dec moves the counter back by n slots, borrowing from the high byte.
func (a *ASN) Dec(n uint32) {
	before := a.LS4B
	a.LS4B -= n
	if a.LS4B > before {
		a.MS1B--
	}
}

// Diff returns the signed slot distance a-b. The two counters are assumed to
// be within 2^31 slots of each other, which holds for any pair of ASNs a
// running network compares.
func (a ASN) Diff(b ASN) int32 {
	return int32(a.LS4B - b.LS4B)
}

// Mod reduces the counter modulo the divisor, yielding a timeslot index.
func (a ASN) Mod(d Divisor) uint16 {
	if d.mask != 0 {
		return uint16(a.LS4B) & d.mask
	}
	// (ms1b * 2^32 + ls4b) mod val, with 2^32 mod val precomputed.
	v := uint32(d.Val)
	return uint16(((uint32(a.MS1B)%v)*d.rem32 + a.LS4B%v) % v)
}

func (a ASN) String() string {
	return fmt.Sprintf("asn-%x.%x", a.MS1B, a.LS4B)
}

// Divisor is a precomputed modulus for ASN reduction. Power-of-two values
// reduce with a single mask; others fall back to 32-bit arithmetic.
type Divisor struct {
	Val   uint16
	mask  uint16
	rem32 uint32
}

// NewDivisor precomputes a divisor for the given value. The value must be
// nonzero.
func NewDivisor(val uint16) Divisor {
	if val == 0 {
		panic("asn: zero divisor")
	}
	d := Divisor{Val: val}
	if val&(val-1) == 0 {
		d.mask = val - 1
	} else {
		// 2^32 mod val, computed without overflowing 32 bits.
		d.rem32 = uint32((uint64(1) << 32) % uint64(val))
	}
	return d
}

// IsPow2 reports whether the divisor reduces with a mask.
func (d Divisor) IsPow2() bool {
	return d.mask != 0 || d.Val == 1
}
