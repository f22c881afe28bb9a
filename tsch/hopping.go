package tsch

import (
	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/radio"
)

// hopper maps (ASN, channel offset) onto the physical channel and retunes
// the radio at the start of every active slot.
type hopper struct {
	sequence []uint8
	length   asn.Divisor

	// current caches the tuned channel so repeating the hop within a slot
	// does not touch the radio.
	current int16
}

func newHopper(sequence []uint8) *hopper {
	return &hopper{
		sequence: sequence,
		length:   asn.NewDivisor(uint16(len(sequence))),
		current:  -1,
	}
}

// channel computes hopping_sequence[(asn mod L + offset) mod L].
func (h *hopper) channel(a asn.ASN, offset uint16) uint8 {
	indexOfZero := a.Mod(h.length)
	return h.sequence[(uint32(indexOfZero)+uint32(offset))%uint32(h.length.Val)]
}

// hop retunes the radio for the slot. Idempotent within a slot.
func (h *hopper) hop(r radio.Driver, a asn.ASN, offset uint16) uint8 {
	ch := h.channel(a, offset)
	if h.current != int16(ch) {
		r.SetChannel(ch)
		h.current = int16(ch)
	}
	return ch
}
