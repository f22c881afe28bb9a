package radio

import (
	"fmt"
	"sync"

	"github.com/tsch-platform/gotsch/rtimer"
)

const simPendingDepth = 4

// SimMedium is a shared in-memory radio medium. Radios attached to it hear
// each other's transmissions when powered on and tuned to the same channel.
// Delivery is immediate; the slot engine's own timing provides the slot
// structure around it.
type SimMedium struct {
	clock rtimer.Clock

	mu     sync.Mutex
	radios []*SimRadio
	busy   int
}

// NewSimMedium builds a medium stamping receive times from the given clock.
func NewSimMedium(clock rtimer.Clock) *SimMedium {
	return &SimMedium{clock: clock}
}

// Attach creates a radio on this medium.
func (m *SimMedium) Attach() *SimRadio {
	r := &SimRadio{medium: m}
	m.mu.Lock()
	m.radios = append(m.radios, r)
	m.mu.Unlock()
	return r
}

func (m *SimMedium) transmit(from *SimRadio, buf []byte) TxStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy > 0 {
		return TxCollision
	}
	m.busy++
	now := m.clock.Now()
	for _, r := range m.radios {
		if r == from {
			continue
		}
		r.deliver(buf, from.channelLocked(), now)
	}
	m.busy--
	return TxOK
}

func (m *SimMedium) clear() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy == 0
}

// SimRadio implements Driver on a SimMedium.
type SimRadio struct {
	medium *SimMedium

	mu         sync.Mutex
	on         bool
	raw        bool
	channel    uint8
	addrDecode bool
	txBuf      []byte
	txLen      int
	pending    [][]byte
	sfd        rtimer.Tick
}

func (r *SimRadio) On() {
	r.mu.Lock()
	r.on = true
	r.mu.Unlock()
}

func (r *SimRadio) Off() {
	r.mu.Lock()
	r.on = false
	r.raw = false
	r.mu.Unlock()
}

func (r *SimRadio) SetChannel(ch uint8) {
	r.mu.Lock()
	r.channel = ch
	r.mu.Unlock()
}

func (r *SimRadio) SetInterruptEnable(bool) {}

func (r *SimRadio) SetAddressDecode(on bool) {
	r.mu.Lock()
	r.addrDecode = on
	r.mu.Unlock()
}

func (r *SimRadio) Prepare(buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(buf) == 0 {
		return fmt.Errorf("radio: empty frame")
	}
	r.txBuf = append(r.txBuf[:0], buf...)
	r.txLen = len(buf)
	return nil
}

func (r *SimRadio) Transmit(length int) TxStatus {
	r.mu.Lock()
	if length > r.txLen {
		length = r.txLen
	}
	frame := append([]byte(nil), r.txBuf[:length]...)
	r.mu.Unlock()
	if len(frame) == 0 {
		return TxErr
	}
	return r.medium.transmit(r, frame)
}

func (r *SimRadio) channelLocked() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

func (r *SimRadio) deliver(buf []byte, channel uint8, now rtimer.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.on || (!r.raw && r.channel != channel) {
		return
	}
	if len(r.pending) >= simPendingDepth {
		return
	}
	r.pending = append(r.pending, append([]byte(nil), buf...))
	r.sfd = now
}

// ReceivingPacket always reports false: the simulated medium delivers a frame
// whole, so no frame is ever in flight. The busywait loops in the slot engine
// also poll PendingPacket, which is how they see an arrival.
func (r *SimRadio) ReceivingPacket() bool {
	return false
}

func (r *SimRadio) PendingPacket() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

func (r *SimRadio) Read(buf []byte) (int, Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return 0, Meta{}
	}
	frame := r.pending[0]
	r.pending = r.pending[1:]
	n := copy(buf, frame)
	return n, Meta{RSSI: -42, Correlation: 110}
}

func (r *SimRadio) ChannelClear() bool {
	return r.medium.clear()
}

func (r *SimRadio) SFDSync(rx, tx bool) {}

func (r *SimRadio) ReadSFDTimer() rtimer.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sfd
}

func (r *SimRadio) RawRxOn() {
	r.mu.Lock()
	r.on = true
	r.raw = true
	r.mu.Unlock()
}
