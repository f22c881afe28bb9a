// Package lladdr defines the 8-byte link-layer address space of the MAC,
// including the two well-known virtual addresses used for broadcast frames
// and for the enhanced-beacon queue.
package lladdr

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is an opaque 8-byte link-layer identifier.
type Address [8]byte

var (
	// Broadcast is the all-ones 802.15.4 broadcast address.
	Broadcast = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// EB is the all-zero address backing the enhanced-beacon virtual queue.
	// It doubles as the null address: senders passing a zero destination get
	// routed to the broadcast queue.
	EB = Address{}
)

// IsNull reports whether the address is all-zero.
func (a Address) IsNull() bool {
	return a == EB
}

// IsBroadcast reports whether the address is the all-ones broadcast address.
func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

// IsVirtual reports whether the address names one of the two virtual
// neighbor queues rather than a real peer.
func (a Address) IsVirtual() bool {
	return a.IsNull() || a.IsBroadcast()
}

// Seed folds the address into a 32-bit value, used to seed the CSMA PRNG.
func (a Address) Seed() uint32 {
	lo := uint32(a[0]) | uint32(a[1])<<8 | uint32(a[2])<<16 | uint32(a[3])<<24
	hi := uint32(a[4]) | uint32(a[5])<<8 | uint32(a[6])<<16 | uint32(a[7])<<24
	return lo + hi
}

func (a Address) String() string {
	parts := make([]string, len(a))
	for i, b := range a {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// Parse decodes a colon-separated hex address, e.g. "00:12:74:01:00:01:01:01".
func Parse(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("lladdr: expected 8 bytes, got %d", len(parts))
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return Address{}, fmt.Errorf("lladdr: bad byte %q", p)
		}
		a[i] = b[0]
	}
	return a, nil
}

// UnmarshalYAML accepts the colon-separated hex form in configuration files.
func (a *Address) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	addr, err := Parse(s)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}
