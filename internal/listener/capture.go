package listener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Capture records packets from the listener into one pcap file. A streaming
// capture writes each packet as it arrives and may carry a stop filter; a
// buffered capture accumulates in memory and writes everything on Stop.
type Capture struct {
	path string

	mu       sync.Mutex
	file     *os.File
	writer   *pcapgo.Writer
	buffered bool
	packets  []gopacket.Packet
	stopWhen func(gopacket.Packet) bool
	done     chan struct{}
	closed   bool
}

func newCapture(path string, buffered bool, stopWhen func(gopacket.Packet) bool) (*Capture, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	c := &Capture{
		path:     path,
		buffered: buffered,
		stopWhen: stopWhen,
		done:     make(chan struct{}),
	}
	if !buffered {
		if err := c.openWriter(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Capture) openWriter() error {
	file, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("failed to create capture file %s: %w", c.path, err)
	}
	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return fmt.Errorf("failed to write capture header: %w", err)
	}
	c.file = file
	c.writer = writer
	return nil
}

// add records one packet. The stop filter is re-evaluated on every packet so
// state that changes between packets, like the device acquiring an IP, is
// seen promptly.
func (c *Capture) add(packet gopacket.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.buffered {
		c.packets = append(c.packets, packet)
	} else if c.writer != nil {
		ci := packet.Metadata().CaptureInfo
		if ci.CaptureLength == 0 {
			ci.CaptureLength = len(packet.Data())
			ci.Length = len(packet.Data())
		}
		c.writer.WritePacket(ci, packet.Data())
	}

	if c.stopWhen != nil && c.stopWhen(packet) {
		c.finishLocked()
	}
}

func (c *Capture) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Capture) finishLocked() {
	if c.closed {
		return
	}
	c.closed = true

	if c.buffered {
		if err := c.openWriter(); err == nil {
			for _, packet := range c.packets {
				ci := packet.Metadata().CaptureInfo
				if ci.CaptureLength == 0 {
					ci.CaptureLength = len(packet.Data())
					ci.Length = len(packet.Data())
				}
				c.writer.WritePacket(ci, packet.Data())
			}
		}
	}
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
	close(c.done)
}

// Done is closed once the capture has flushed its file.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Path returns the pcap file path.
func (c *Capture) Path() string { return c.path }

// StartStartupCapture streams packets to startup.pcap until deviceHasIP
// reports true. The filter is consulted on every packet.
func (l *Listener) StartStartupCapture(path string, deviceHasIP func() bool) (*Capture, error) {
	capture, err := newCapture(path, false, func(gopacket.Packet) bool {
		return deviceHasIP != nil && deviceHasIP()
	})
	if err != nil {
		return nil, err
	}
	l.addCapture(capture)
	l.logger.Info().Str("path", path).Msg("Startup capture started")
	return capture, nil
}

// StartMonitorCapture buffers packets in memory for the monitor window;
// monitor.pcap is written when the capture stops.
func (l *Listener) StartMonitorCapture(path string) (*Capture, error) {
	capture, err := newCapture(path, true, nil)
	if err != nil {
		return nil, err
	}
	l.addCapture(capture)
	l.logger.Info().Str("path", path).Msg("Monitor capture started")
	return capture, nil
}

// StopCapture detaches a capture from the listener and flushes its file.
func (l *Listener) StopCapture(c *Capture) {
	l.removeCapture(c)
	c.mu.Lock()
	c.finishLocked()
	c.mu.Unlock()
}

// WaitCapture blocks until the capture finishes on its own, the timeout
// elapses, or the context ends. It reports whether the capture finished
// before the deadline. The capture is always flushed on return.
func (l *Listener) WaitCapture(ctx context.Context, c *Capture, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	finished := false
	select {
	case <-c.Done():
		finished = true
	case <-timer.C:
	case <-ctx.Done():
	}
	l.StopCapture(c)
	return finished
}

// RunMonitor records the monitor capture for the given window, then raises
// DEVICE_STABLE. Returns early without the event if the context ends first.
func (l *Listener) RunMonitor(ctx context.Context, path string, period time.Duration, mac string) error {
	capture, err := l.StartMonitorCapture(path)
	if err != nil {
		return err
	}

	timer := time.NewTimer(period)
	defer timer.Stop()

	select {
	case <-timer.C:
		l.StopCapture(capture)
		l.bus.Publish(Event{Kind: EventDeviceStable, MAC: mac})
		return nil
	case <-ctx.Done():
		l.StopCapture(capture)
		return ctx.Err()
	}
}
