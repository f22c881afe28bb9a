package tsch

import (
	"fmt"
	"time"

	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/queue"
	"github.com/tsch-platform/gotsch/rtimer"
	"github.com/tsch-platform/gotsch/schedule"
)

// Timing holds the platform slot timing, in clock ticks.
type Timing struct {
	// TickDuration is the wall-clock length of one tick.
	TickDuration time.Duration `yaml:"tick_duration"`
	// SlotDuration is the full timeslot length.
	SlotDuration rtimer.Tick `yaml:"slot_duration"`
	// TxOffset is the target air time of the first symbol within the slot.
	TxOffset rtimer.Tick `yaml:"tx_offset"`
	// TxAckDelay is the nominal gap between end-of-data and start-of-ack.
	TxAckDelay rtimer.Tick `yaml:"tx_ack_delay"`
	// LongGT is the data guard time for RX slots.
	LongGT rtimer.Tick `yaml:"long_guard"`
	// ShortGT is the ACK guard time.
	ShortGT rtimer.Tick `yaml:"short_guard"`
	// CCAOffset and CCA place the clear-channel assessment.
	CCAOffset rtimer.Tick `yaml:"cca_offset"`
	CCA       rtimer.Tick `yaml:"cca"`
	// DelayTx and DelayRx are the radio turnaround latencies.
	DelayTx rtimer.Tick `yaml:"delay_tx"`
	DelayRx rtimer.Tick `yaml:"delay_rx"`
	// AckMaxDuration and DataMaxDuration cap reception waits.
	AckMaxDuration  rtimer.Tick `yaml:"ack_max_duration"`
	DataMaxDuration rtimer.Tick `yaml:"data_max_duration"`
	// ByteDuration is the air time of one byte.
	ByteDuration rtimer.Tick `yaml:"byte_duration"`
	// ScanWindow bounds the busywait for a beacon on one scan channel.
	ScanWindow rtimer.Tick `yaml:"scan_window"`
}

// PacketDuration returns the air time of a frame of n bytes.
func (t Timing) PacketDuration(n int) rtimer.Tick {
	return rtimer.Tick(n) * t.ByteDuration
}

// DefaultTiming returns 10 ms slots on a microsecond tick, 250 kbit/s air
// rate.
func DefaultTiming() Timing {
	return Timing{
		TickDuration:    time.Microsecond,
		SlotDuration:    10000,
		TxOffset:        4000,
		TxAckDelay:      1000,
		LongGT:          1300,
		ShortGT:         400,
		CCAOffset:       1800,
		CCA:             128,
		DelayTx:         180,
		DelayRx:         150,
		AckMaxDuration:  2400,
		DataMaxDuration: 4256,
		ByteDuration:    32,
		ScanWindow:      1000000,
	}
}

// Config is the full node configuration.
type Config struct {
	// Address is this node's link-layer address.
	Address lladdr.Address `yaml:"address"`
	// Coordinator starts the node as the network coordinator: it associates
	// immediately with join priority 0 and never desynchronizes.
	Coordinator bool `yaml:"coordinator"`
	// CCA enables clear-channel assessment before every transmission in a
	// TX slot.
	CCA bool `yaml:"cca"`

	// HoppingSequence is the channel list indexed by ASN plus offset.
	HoppingSequence []uint8 `yaml:"hopping_sequence"`

	Timing   Timing          `yaml:"timing"`
	Queue    queue.Config    `yaml:"queue"`
	Schedule schedule.Config `yaml:"schedule"`

	// MinimalSchedule installs the built-in 6TiSCH-minimal schedule at init.
	MinimalSchedule bool `yaml:"minimal_schedule"`

	// MaxFrameRetries bounds retransmissions: a frame is attempted at most
	// MaxFrameRetries+1 times.
	MaxFrameRetries uint8 `yaml:"max_frame_retries"`
	// DesyncThresholdSlots is the number of slots without a sync event
	// after which the node leaves the network.
	DesyncThresholdSlots uint32 `yaml:"desync_threshold_slots"`
	// KeepaliveTimeout paces the empty unicasts to the time source.
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	// EBPeriod is the target beacon period, kept within [EBPeriodMin,
	// EBPeriodMax]; the minimum is enforced for the first minute after
	// association.
	EBPeriod    time.Duration `yaml:"eb_period"`
	EBPeriodMin time.Duration `yaml:"eb_period_min"`
	EBPeriodMax time.Duration `yaml:"eb_period_max"`
	// JoinPriorityMax rejects beacons advertising this priority or worse.
	JoinPriorityMax uint8 `yaml:"join_priority_max"`
	// MaxIncomingPackets sizes the input ring. Power of two.
	MaxIncomingPackets int `yaml:"max_incoming_packets"`
	// DequeuedRingSize sizes the post-TX completion ring. Power of two.
	DequeuedRingSize int `yaml:"dequeued_ring_size"`
	// SeqnoHistory is the depth of link-layer duplicate detection.
	SeqnoHistory int `yaml:"seqno_history"`
	// EBAutoselect elects the time source from per-sender beacon counters.
	EBAutoselect bool `yaml:"eb_autoselect"`
	// CheckTimeAtAssociation rejects beacons whose ASN is further ahead of our
	// uptime estimate than this. Zero disables the check.
	CheckTimeAtAssociation time.Duration `yaml:"check_time_at_association"`
}

// DefaultConfig returns a full default configuration for the given address.
func DefaultConfig(addr lladdr.Address) Config {
	return Config{
		Address: addr,
		HoppingSequence: []uint8{
			26, 15, 25, 20, 16, 19, 14, 24, 18, 17, 11, 21, 23, 12, 22, 13,
		},
		Timing:               DefaultTiming(),
		Queue:                queue.DefaultConfig(),
		Schedule:             schedule.DefaultConfig(),
		MinimalSchedule:      true,
		MaxFrameRetries:      7,
		DesyncThresholdSlots: 3000,
		KeepaliveTimeout:     12 * time.Second,
		EBPeriod:             16 * time.Second,
		EBPeriodMin:          4 * time.Second,
		EBPeriodMax:          60 * time.Second,
		JoinPriorityMax:      32,
		MaxIncomingPackets:   4,
		DequeuedRingSize:     16,
		SeqnoHistory:         8,
	}
}

func (c *Config) validate() error {
	if len(c.HoppingSequence) == 0 || len(c.HoppingSequence) > 65535 {
		return fmt.Errorf("tsch: bad hopping sequence length %d", len(c.HoppingSequence))
	}
	if c.Timing.SlotDuration == 0 {
		return fmt.Errorf("tsch: zero slot duration")
	}
	if c.MaxIncomingPackets <= 0 || c.MaxIncomingPackets&(c.MaxIncomingPackets-1) != 0 {
		return fmt.Errorf("tsch: max_incoming_packets %d is not a power of two", c.MaxIncomingPackets)
	}
	if c.DequeuedRingSize <= 0 || c.DequeuedRingSize&(c.DequeuedRingSize-1) != 0 {
		return fmt.Errorf("tsch: dequeued_ring_size %d is not a power of two", c.DequeuedRingSize)
	}
	if c.DequeuedRingSize < c.Queue.QueueDepth {
		return fmt.Errorf("tsch: dequeued ring (%d) smaller than a neighbor queue (%d)",
			c.DequeuedRingSize, c.Queue.QueueDepth)
	}
	return nil
}
