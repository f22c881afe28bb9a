package tsch

import (
	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/queue"
	"github.com/tsch-platform/gotsch/schedule"
)

// RxMeta accompanies every frame delivered to the upper layer.
type RxMeta struct {
	RSSI        int16
	Correlation uint8
	ASN         asn.ASN
}

// Hooks are the optional upper-layer callbacks. Any field may be nil.
type Hooks struct {
	// DoNack lets the upper layer request a NACK in the enhanced ACK of a
	// frame about to be acknowledged.
	DoNack func(link *schedule.Link, src, dst lladdr.Address) bool
	// JoiningNetwork fires when association completes.
	JoiningNetwork func()
	// LeavingNetwork fires when the node leaves or desynchronizes.
	LeavingNetwork func()
	// NewTimeSource fires when the time-source neighbor changes.
	NewTimeSource func(old, new *queue.Neighbor)
	// Receive delivers an incoming data frame payload.
	Receive func(src lladdr.Address, payload []byte, meta RxMeta)
}
