// Package trace captures MAC frames into a pcap file for offline inspection.
// It is a debugging facility: the writer is optional and the slot engine
// tolerates its absence.
package trace

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// linkTypeIEEE802154 is DLT_IEEE802_15_4_WITHFCS; gopacket has no named
// constant for it.
const linkTypeIEEE802154 = layers.LinkType(195)

// Config selects the capture destination and its size bound.
type Config struct {
	// Path of the pcap file. Empty disables capture.
	Path string `yaml:"path"`
	// MaxSize bounds the file; on overflow the file is rotated to
	// "<path>.1" and capture restarts. Zero means unbounded.
	MaxSize datasize.ByteSize `yaml:"max_size"`
}

// Writer appends captured frames to a pcap file.
type Writer struct {
	cfg Config

	mu      sync.Mutex
	file    *os.File
	pcap    *pcapgo.Writer
	written uint64
}

// New opens the capture file. A nil writer is returned for an empty path so
// callers can pass the result straight through.
func New(cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	w := &Writer{cfg: cfg}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.Create(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	pw := pcapgo.NewWriter(f)
	if err := pw.WriteFileHeader(65536, linkTypeIEEE802154); err != nil {
		f.Close()
		return fmt.Errorf("trace: write file header: %w", err)
	}
	w.file = f
	w.pcap = pw
	w.written = 24
	return nil
}

// Record appends one frame. Safe on a nil writer.
func (w *Writer) Record(buf []byte, ts time.Time) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pcap == nil {
		return nil
	}
	if max := uint64(w.cfg.MaxSize.Bytes()); max > 0 && w.written > max {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	err := w.pcap.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(buf),
		Length:        len(buf),
	}, buf)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	w.written += uint64(16 + len(buf))
	return nil
}

func (w *Writer) rotate() error {
	w.file.Close()
	if err := os.Rename(w.cfg.Path, w.cfg.Path+".1"); err != nil {
		return fmt.Errorf("trace: rotate: %w", err)
	}
	return w.open()
}

// Close flushes and closes the capture file. Safe on a nil writer.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.pcap = nil
	return err
}
