// Package radio defines the driver surface the MAC core consumes and an
// in-memory simulated medium used by tests and the tschd simulation harness.
package radio

import "github.com/tsch-platform/gotsch/rtimer"

// TxStatus is the outcome of a transmit request.
type TxStatus int

const (
	// TxOK means the frame went on air.
	TxOK TxStatus = iota
	// TxErr means the radio refused the frame.
	TxErr
	// TxCollision means the medium was busy.
	TxCollision
)

// Meta carries the per-read signal quality tuple.
type Meta struct {
	RSSI        int16
	Correlation uint8
}

// Driver is the radio hardware abstraction. All calls are non-blocking; the
// slot engine provides the timing around them.
type Driver interface {
	// On powers the transceiver up.
	On()
	// Off powers the transceiver down.
	Off()
	// SetChannel tunes to a physical channel.
	SetChannel(ch uint8)
	// SetInterruptEnable toggles radio interrupts; the slot engine polls
	// instead, so it turns them off at init.
	SetInterruptEnable(on bool)
	// SetAddressDecode toggles hardware address filtering. The engine
	// disables it around enhanced-ACK reception.
	SetAddressDecode(on bool)
	// Prepare copies a frame into the transmit buffer.
	Prepare(buf []byte) error
	// Transmit sends the prepared frame of the given length.
	Transmit(length int) TxStatus
	// ReceivingPacket reports whether a frame is currently in the air to us.
	ReceivingPacket() bool
	// PendingPacket reports whether a received frame awaits Read.
	PendingPacket() bool
	// Read copies the oldest pending frame into buf.
	Read(buf []byte) (int, Meta)
	// ChannelClear performs a clear-channel assessment.
	ChannelClear() bool
	// SFDSync selects which start-of-frame events latch the SFD timer.
	SFDSync(rx, tx bool)
	// ReadSFDTimer returns the tick latched at the last start-of-frame.
	ReadSFDTimer() rtimer.Tick
	// RawRxOn enters unsynchronized promiscuous listen, used while scanning
	// for beacons.
	RawRxOn()
}
