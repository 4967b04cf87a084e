// Package link provides raw Ethernet access to a network interface for
// EAPOL.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
)

const (
	snapLen     = 1600
	readTimeout = 250 * time.Millisecond
)

// Filter selects EAPOL frames.
var Filter = fmt.Sprintf("ether proto 0x%04x", uint16(layers.EthernetTypeEAPOL))

// packetReader is the receive side of a capture handle.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Link is a pcap handle bound to one interface.
type Link struct {
	name   string
	addr   net.HardwareAddr
	handle *pcap.Handle
	log    zerolog.Logger
}

// Open captures EAPOL frames on the named interface.
func Open(name string, logger zerolog.Logger) (*Link, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	if len(iface.HardwareAddr) != 6 {
		return nil, fmt.Errorf("interface %s has no ethernet address", name)
	}

	handle, err := pcap.OpenLive(name, snapLen, false, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := handle.SetBPFFilter(Filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set filter on %s: %w", name, err)
	}
	return &Link{
		name:   name,
		addr:   iface.HardwareAddr,
		handle: handle,
		log:    logger.With().Str("component", "link").Str("interface", name).Logger(),
	}, nil
}

func (l *Link) HardwareAddr() net.HardwareAddr {
	return l.addr
}

func (l *Link) WritePacketData(data []byte) error {
	return l.handle.WritePacketData(data)
}

// Run reads frames and hands them to deliver until ctx is done.
func (l *Link) Run(ctx context.Context, deliver func([]byte) bool) error {
	return pump(ctx, l.handle, deliver, l.log)
}

func (l *Link) Close() error {
	l.handle.Close()
	return nil
}

func pump(ctx context.Context, r packetReader, deliver func([]byte) bool, log zerolog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, _, err := r.ReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("read packet: %w", err)
		}
		if !deliver(data) {
			log.Debug().Int("len", len(data)).Msg("frame dropped")
		}
	}
}
