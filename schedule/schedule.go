// Package schedule implements the TSCH slotframe and link store and the
// ASN-to-link resolution the slot engine runs on. Mutation happens task-side
// under the global coordination lock; resolution is read-only and runs from
// the slot routine.
package schedule

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/lock"
	"github.com/tsch-platform/gotsch/queue"
)

// Options is the link option bitset.
type Options uint8

const (
	// OptionTX marks a transmit link.
	OptionTX Options = 1 << iota
	// OptionRX marks a receive link.
	OptionRX
	// OptionShared marks a CSMA-guarded link usable by multiple senders.
	OptionShared
	// OptionTimeKeeping marks a link used for synchronization upkeep.
	OptionTimeKeeping
)

// LinkType distinguishes advertising links, which carry enhanced beacons.
type LinkType uint8

const (
	// LinkNormal carries data only.
	LinkNormal LinkType = iota
	// LinkAdvertising carries EBs when one is queued, data otherwise.
	LinkAdvertising
	// LinkAdvertisingOnly carries EBs exclusively.
	LinkAdvertisingOnly
)

// Link is one scheduled cell within a slotframe.
type Link struct {
	Handle          uint16
	SlotframeHandle uint16
	Timeslot        uint16
	ChannelOffset   uint16
	Options         Options
	Type            LinkType
	Addr            lladdr.Address

	inUse bool
}

// Slotframe is a recurring schedule period.
type Slotframe struct {
	Handle uint16
	Size   asn.Divisor

	links []*Link
	inUse bool
}

// DefaultLength is the 6TiSCH-minimal slotframe length used by the built-in
// schedule.
const DefaultLength = 17

// Config bounds the schedule pools.
type Config struct {
	// MaxSlotframes bounds concurrently installed slotframes.
	MaxSlotframes int `yaml:"max_slotframes"`
	// MaxLinks bounds the total installed links across slotframes.
	MaxLinks int `yaml:"max_links"`
	// PrioritizeTX selects the standard tie-break that prefers TX links
	// over non-TX links at the same slot.
	PrioritizeTX bool `yaml:"prioritize_tx"`
}

// DefaultConfig returns the default schedule sizing.
func DefaultConfig() Config {
	return Config{
		MaxSlotframes: 4,
		MaxLinks:      32,
		PrioritizeTX:  true,
	}
}

// Schedule is the slotframe and link store.
type Schedule struct {
	cfg  Config
	lk   *lock.SlotLock
	log  *zap.SugaredLogger
	nbrs *queue.List

	slotframes []Slotframe
	links      []Link
	nextHandle uint16

	// onRemoveLink lets the slot engine abort its pending slot when the
	// link it resolved gets removed. Called while the lock is held.
	onRemoveLink func(*Link)
}

// New builds an empty schedule.
func New(cfg Config, lk *lock.SlotLock, nbrs *queue.List, log *zap.SugaredLogger) *Schedule {
	return &Schedule{
		cfg:        cfg,
		lk:         lk,
		log:        log,
		nbrs:       nbrs,
		slotframes: make([]Slotframe, cfg.MaxSlotframes),
		links:      make([]Link, cfg.MaxLinks),
	}
}

// SetRemoveLinkHook registers the engine's pending-slot abort callback.
func (s *Schedule) SetRemoveLinkHook(fn func(*Link)) {
	s.onRemoveLink = fn
}

// AddSlotframe installs a slotframe. Duplicate handles are rejected.
func (s *Schedule) AddSlotframe(handle uint16, size uint16) (*Slotframe, error) {
	if s.SlotframeByHandle(handle) != nil {
		return nil, fmt.Errorf("schedule: slotframe %d already installed", handle)
	}
	if size == 0 {
		return nil, fmt.Errorf("schedule: zero slotframe size")
	}
	if !s.lk.TryLock() {
		return nil, fmt.Errorf("schedule: lock contended")
	}
	defer s.lk.Unlock()

	for i := range s.slotframes {
		sf := &s.slotframes[i]
		if sf.inUse {
			continue
		}
		*sf = Slotframe{
			Handle: handle,
			Size:   asn.NewDivisor(size),
			inUse:  true,
			links:  sf.links[:0],
		}
		s.log.Debugw("added slotframe", zap.Uint16("handle", handle), zap.Uint16("size", size))
		return sf, nil
	}
	return nil, fmt.Errorf("schedule: slotframe pool exhausted")
}

// RemoveSlotframe removes every link of the slotframe, then the slotframe
// itself.
func (s *Schedule) RemoveSlotframe(sf *Slotframe) bool {
	if sf == nil || !sf.inUse {
		return false
	}
	for len(sf.links) > 0 {
		if !s.RemoveLink(sf, sf.links[0]) {
			return false
		}
	}
	if !s.lk.TryLock() {
		return false
	}
	sf.inUse = false
	s.lk.Unlock()
	return true
}

// SlotframeByHandle resolves a slotframe. Read-only; denied while a mutator
// holds the lock.
func (s *Schedule) SlotframeByHandle(handle uint16) *Slotframe {
	if s.lk.Locked() {
		return nil
	}
	for i := range s.slotframes {
		sf := &s.slotframes[i]
		if sf.inUse && sf.Handle == handle {
			return sf
		}
	}
	return nil
}

// LinkByHandle resolves a link across all slotframes.
func (s *Schedule) LinkByHandle(handle uint16) *Link {
	if s.lk.Locked() {
		return nil
	}
	for i := range s.slotframes {
		sf := &s.slotframes[i]
		if !sf.inUse {
			continue
		}
		for _, l := range sf.links {
			if l.Handle == handle {
				return l
			}
		}
	}
	return nil
}

// AddLink installs a link into the slotframe, replacing any link already at
// that timeslot. A TX link creates the addressed neighbor if needed and
// bumps its link counters.
func (s *Schedule) AddLink(sf *Slotframe, opts Options, typ LinkType, addr lladdr.Address,
	timeslot uint16, channelOffset uint16) (*Link, error) {
	if sf == nil || !sf.inUse {
		return nil, fmt.Errorf("schedule: nil slotframe")
	}
	if timeslot >= sf.Size.Val {
		return nil, fmt.Errorf("schedule: timeslot %d outside slotframe of size %d", timeslot, sf.Size.Val)
	}
	// Replace whatever occupied this timeslot so neighbor counters stay in
	// sync with the installed options.
	s.RemoveLinkFromTimeslot(sf, timeslot)

	if !s.lk.TryLock() {
		return nil, fmt.Errorf("schedule: lock contended")
	}
	l := s.allocLink()
	if l == nil {
		s.lk.Unlock()
		return nil, fmt.Errorf("schedule: link pool exhausted")
	}
	l.Handle = s.nextHandle
	s.nextHandle++
	l.SlotframeHandle = sf.Handle
	l.Timeslot = timeslot
	l.ChannelOffset = channelOffset
	l.Options = opts
	l.Type = typ
	l.Addr = addr
	sf.links = append(sf.links, l)
	s.lk.Unlock()

	s.log.Debugw("added link",
		zap.Uint16("slotframe", sf.Handle), zap.Uint16("timeslot", timeslot),
		zap.Uint16("channel_offset", channelOffset), zap.Uint8("options", uint8(opts)),
		zap.Stringer("addr", addr))

	// Update the neighbor outside the lock; the queue takes it itself.
	if opts&OptionTX != 0 {
		if n := s.nbrs.AddNeighbor(addr); n != nil {
			n.AddTxLink(opts&OptionShared != 0)
		}
	}
	return l, nil
}

func (s *Schedule) allocLink() *Link {
	for i := range s.links {
		if !s.links[i].inUse {
			s.links[i] = Link{inUse: true}
			return &s.links[i]
		}
	}
	return nil
}

// RemoveLink uninstalls a link, adjusting neighbor counters and aborting the
// engine's pending slot if it resolved to this link.
func (s *Schedule) RemoveLink(sf *Slotframe, l *Link) bool {
	if sf == nil || l == nil || !l.inUse || l.SlotframeHandle != sf.Handle {
		return false
	}
	if !s.lk.TryLock() {
		return false
	}
	opts := l.Options
	addr := l.Addr

	if s.onRemoveLink != nil {
		s.onRemoveLink(l)
	}
	for i, cand := range sf.links {
		if cand == l {
			sf.links = append(sf.links[:i], sf.links[i+1:]...)
			break
		}
	}
	l.inUse = false
	s.lk.Unlock()

	s.log.Debugw("removed link",
		zap.Uint16("slotframe", sf.Handle), zap.Uint16("timeslot", l.Timeslot),
		zap.Stringer("addr", addr))

	if opts&OptionTX != 0 {
		if n := s.nbrs.AddNeighbor(addr); n != nil {
			n.RemoveTxLink(opts&OptionShared != 0)
		}
	}
	return true
}

// RemoveLinkFromTimeslot removes the link at the given timeslot, if any.
func (s *Schedule) RemoveLinkFromTimeslot(sf *Slotframe, timeslot uint16) bool {
	return sf != nil && s.RemoveLink(sf, s.LinkFromTimeslot(sf, timeslot))
}

// LinkFromTimeslot returns the link at the given timeslot. There is at most
// one per (slotframe, timeslot).
func (s *Schedule) LinkFromTimeslot(sf *Slotframe, timeslot uint16) *Link {
	if s.lk.Locked() || sf == nil {
		return nil
	}
	for _, l := range sf.links {
		if l.Timeslot == timeslot {
			return l
		}
	}
	return nil
}

// LinkFromASN returns the link to execute at the given ASN. Ties across
// slotframes resolve by the configured priority: TX beats non-TX, then the
// smaller slotframe handle wins.
func (s *Schedule) LinkFromASN(a asn.ASN) *Link {
	var best *Link
	for i := range s.slotframes {
		sf := &s.slotframes[i]
		if !sf.inUse {
			continue
		}
		l := s.LinkFromTimeslot(sf, a.Mod(sf.Size))
		if l == nil {
			continue
		}
		if best == nil {
			best = l
			continue
		}
		if s.cfg.PrioritizeTX {
			if (best.Options & OptionTX) == (l.Options & OptionTX) {
				if l.SlotframeHandle < best.SlotframeHandle {
					best = l
				}
			} else if l.Options&OptionTX != 0 {
				best = l
			}
		} else if l.SlotframeHandle < best.SlotframeHandle {
			best = l
		}
	}
	return best
}

// NextActiveLink finds the link with the minimum positive slot distance from
// the given ASN, across all slotframes, and returns that distance.
func (s *Schedule) NextActiveLink(a asn.ASN) (*Link, uint16) {
	if s.lk.Locked() {
		return nil, 0
	}
	var (
		earliest     uint16
		earliestLink *Link
	)
	for i := range s.slotframes {
		sf := &s.slotframes[i]
		if !sf.inUse {
			continue
		}
		timeslot := a.Mod(sf.Size)
		for _, l := range sf.links {
			var dist uint16
			if l.Timeslot > timeslot {
				dist = l.Timeslot - timeslot
			} else {
				dist = sf.Size.Val + l.Timeslot - timeslot
			}
			if earliest == 0 || dist < earliest {
				earliest = dist
				earliestLink = l
			}
		}
	}
	return earliestLink, earliest
}

// CreateMinimal installs the built-in 6TiSCH-minimal schedule: one slotframe
// with handle 0 and a single shared advertising TX|RX cell at timeslot 0,
// channel offset 0, addressed to broadcast.
func (s *Schedule) CreateMinimal() error {
	sf, err := s.AddSlotframe(0, DefaultLength)
	if err != nil {
		return err
	}
	_, err = s.AddLink(sf, OptionRX|OptionTX|OptionShared, LinkAdvertising,
		lladdr.Broadcast, 0, 0)
	return err
}

// Dump logs the installed schedule.
func (s *Schedule) Dump() {
	if s.lk.Locked() {
		s.log.Info("schedule dump skipped: locked")
		return
	}
	for i := range s.slotframes {
		sf := &s.slotframes[i]
		if !sf.inUse {
			continue
		}
		s.log.Infow("slotframe", zap.Uint16("handle", sf.Handle), zap.Uint16("size", sf.Size.Val))
		for _, l := range sf.links {
			s.log.Infow("link",
				zap.Uint16("handle", l.Handle),
				zap.Uint16("timeslot", l.Timeslot),
				zap.Uint16("channel_offset", l.ChannelOffset),
				zap.Uint8("options", uint8(l.Options)),
				zap.Uint8("type", uint8(l.Type)),
				zap.Stringer("addr", l.Addr))
		}
	}
}
