// Package frame defines the framer surface the MAC core consumes and a
// compact reference codec implementing it. The codec is not a wire-compatible
// 802.15.4 framer; it carries the same information (frame type, seqno,
// addresses, enhanced-beacon synchronization payload, ACK sync-IE) in a fixed
// layout that is convenient to inspect in pcap traces.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/tsch-platform/gotsch/asn"
	"github.com/tsch-platform/gotsch/lladdr"
)

// MaxLen is the largest frame the MAC will carry, matching the 802.15.4 PSDU.
const MaxLen = 127

// AckLen is the encoded length of an enhanced ACK with sync-IE.
const AckLen = headerLen + ackSyncLen

// TypeFlags classifies a received frame.
type TypeFlags uint8

const (
	// IsData marks frames to be delivered to the upper layer.
	IsData TypeFlags = 1 << iota
	// DoAck marks frames that request an acknowledgement.
	DoAck
)

// AckFlags is the result of parsing an enhanced ACK.
type AckFlags uint8

const (
	// AckOK means the ACK matched our outstanding frame.
	AckOK AckFlags = 1 << iota
	// AckNack means the receiver asked us to back off delivery.
	AckNack
	// AckHasSyncIE means the ACK carried a drift estimate.
	AckHasSyncIE
)

// Framer encodes and decodes MAC frames. The slot engine never touches frame
// bytes directly; everything goes through this interface so the wire format
// stays replaceable.
type Framer interface {
	// Create builds an outbound frame around a payload.
	Create(dst, src lladdr.Address, seqno uint8, ackRequested bool, payload []byte) ([]byte, error)
	// Payload returns the payload bytes of a data frame.
	Payload(buf []byte) []byte

	// MakeEB builds an enhanced beacon. The synchronization payload is
	// stamped just before transmission via UpdateEB.
	MakeEB(src lladdr.Address, seqno uint8, joinPriority uint8) ([]byte, error)
	// UpdateEB stamps a fresh ASN and join priority into an EB buffer.
	UpdateEB(buf []byte, a asn.ASN, joinPriority uint8) bool
	// ParseEB extracts the sender, ASN and join priority from an EB.
	ParseEB(buf []byte) (src lladdr.Address, a asn.ASN, joinPriority uint8, ok bool)

	// MakeSyncAck builds an enhanced ACK carrying the estimated drift into
	// the caller's buffer, returning the encoded length. The slot routine
	// calls this with a preallocated buffer: no allocation on this path.
	MakeSyncAck(buf []byte, drift int32, nack bool, dest lladdr.Address, seqno uint8) (int, error)
	// ParseSyncAck validates a received ACK against the outstanding seqno.
	// The drift is extracted only when the ACK came from our time source.
	ParseSyncAck(buf []byte, expectedSeqno uint8, isTimeSource bool) (AckFlags, int32)

	// ParseFrameType returns the classification bits and seqno of a frame.
	ParseFrameType(buf []byte) (TypeFlags, uint8)
	// ExtractAddresses returns the source and destination of a frame.
	ExtractAddresses(buf []byte) (src, dst lladdr.Address, ok bool)
}

// Reference codec layout:
//
//	[0]     control: bit0 data, bit1 ack-request, bit2 beacon, bit3 ack,
//	        bit4 has-sync-ie, bit5 nack
//	[1]     version (0x01)
//	[2]     seqno
//	[3:11]  destination address
//	[11:19] source address
//	[19:]   payload; for EBs: ASN ls4b LE, ASN ms1b, join priority;
//	        for ACKs with sync-IE: drift as int16 LE ticks
const (
	ctrlData   = 1 << 0
	ctrlAckReq = 1 << 1
	ctrlBeacon = 1 << 2
	ctrlAck    = 1 << 3
	ctrlSyncIE = 1 << 4
	ctrlNack   = 1 << 5
	version    = 0x01
	headerLen  = 19
	ebBodyLen  = 6
	ackSyncLen = 2
	offControl = 0
	offVersion = 1
	offSeqno   = 2
	offDst     = 3
	offSrc     = 11
	offBody    = 19
)

// Codec is the reference Framer bound to a node address, which it uses to
// validate ACK destinations.
type Codec struct {
	Node lladdr.Address
}

// NewCodec builds a codec for the given node address.
func NewCodec(node lladdr.Address) *Codec {
	return &Codec{Node: node}
}

func putHeader(buf []byte, control uint8, seqno uint8, dst, src lladdr.Address) {
	buf[offControl] = control
	buf[offVersion] = version
	buf[offSeqno] = seqno
	copy(buf[offDst:offDst+8], dst[:])
	copy(buf[offSrc:offSrc+8], src[:])
}

func (c *Codec) Create(dst, src lladdr.Address, seqno uint8, ackRequested bool, payload []byte) ([]byte, error) {
	if headerLen+len(payload) > MaxLen {
		return nil, fmt.Errorf("frame: payload %d exceeds max frame length", len(payload))
	}
	buf := make([]byte, headerLen+len(payload))
	control := uint8(ctrlData)
	if ackRequested {
		control |= ctrlAckReq
	}
	putHeader(buf, control, seqno, dst, src)
	copy(buf[offBody:], payload)
	return buf, nil
}

func (c *Codec) Payload(buf []byte) []byte {
	if len(buf) < headerLen {
		return nil
	}
	return buf[offBody:]
}

func (c *Codec) MakeEB(src lladdr.Address, seqno uint8, joinPriority uint8) ([]byte, error) {
	buf := make([]byte, headerLen+ebBodyLen)
	putHeader(buf, ctrlBeacon, seqno, lladdr.Broadcast, src)
	// ASN is zero here; UpdateEB stamps the live value right before the
	// frame goes on air.
	buf[offBody+5] = joinPriority
	return buf, nil
}

func (c *Codec) UpdateEB(buf []byte, a asn.ASN, joinPriority uint8) bool {
	if len(buf) < headerLen+ebBodyLen || buf[offControl]&ctrlBeacon == 0 {
		return false
	}
	binary.LittleEndian.PutUint32(buf[offBody:], a.LS4B)
	buf[offBody+4] = a.MS1B
	buf[offBody+5] = joinPriority
	return true
}

func (c *Codec) ParseEB(buf []byte) (lladdr.Address, asn.ASN, uint8, bool) {
	var src lladdr.Address
	if len(buf) < headerLen+ebBodyLen || buf[offVersion] != version ||
		buf[offControl]&ctrlBeacon == 0 {
		return src, asn.ASN{}, 0, false
	}
	copy(src[:], buf[offSrc:offSrc+8])
	a := asn.New(buf[offBody+4], binary.LittleEndian.Uint32(buf[offBody:]))
	return src, a, buf[offBody+5], true
}

func (c *Codec) MakeSyncAck(buf []byte, drift int32, nack bool, dest lladdr.Address, seqno uint8) (int, error) {
	if drift > 32767 || drift < -32768 {
		return 0, fmt.Errorf("frame: drift %d does not fit the sync-IE", drift)
	}
	if len(buf) < AckLen {
		return 0, fmt.Errorf("frame: ack buffer too short: %d", len(buf))
	}
	control := uint8(ctrlAck | ctrlSyncIE)
	if nack {
		control |= ctrlNack
	}
	putHeader(buf, control, seqno, dest, c.Node)
	binary.LittleEndian.PutUint16(buf[offBody:], uint16(int16(drift)))
	return AckLen, nil
}

func (c *Codec) ParseSyncAck(buf []byte, expectedSeqno uint8, isTimeSource bool) (AckFlags, int32) {
	if len(buf) < headerLen || buf[offVersion] != version || buf[offControl]&ctrlAck == 0 {
		return 0, 0
	}
	if buf[offSeqno] != expectedSeqno {
		return 0, 0
	}
	var dst lladdr.Address
	copy(dst[:], buf[offDst:offDst+8])
	if dst != c.Node {
		return 0, 0
	}
	flags := AckOK
	if buf[offControl]&ctrlNack != 0 {
		flags |= AckNack
	}
	var drift int32
	if isTimeSource && buf[offControl]&ctrlSyncIE != 0 && len(buf) >= headerLen+ackSyncLen {
		flags |= AckHasSyncIE
		drift = int32(int16(binary.LittleEndian.Uint16(buf[offBody:])))
	}
	return flags, drift
}

func (c *Codec) ParseFrameType(buf []byte) (TypeFlags, uint8) {
	if len(buf) < headerLen || buf[offVersion] != version {
		return 0, 0
	}
	var flags TypeFlags
	if buf[offControl]&ctrlData != 0 {
		flags |= IsData
	}
	if buf[offControl]&ctrlAckReq != 0 {
		flags |= DoAck
	}
	return flags, buf[offSeqno]
}

func (c *Codec) ExtractAddresses(buf []byte) (lladdr.Address, lladdr.Address, bool) {
	var src, dst lladdr.Address
	if len(buf) < headerLen || buf[offVersion] != version {
		return src, dst, false
	}
	copy(dst[:], buf[offDst:offDst+8])
	copy(src[:], buf[offSrc:offSrc+8])
	return src, dst, true
}
