// Package eapol carries EAP over IEEE 802.1X (EAPOL) frames and runs the
// supplicant side of a port.
package eapol

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/yzzyx/supplicant/eap"
)

// PAEGroupAddr is the group address of the port access entity
// (IEEE 802.1X-2004 table 7-1).
var PAEGroupAddr = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x03}

// ProtocolVersion is the EAPOL version we send (802.1X-2004).
const ProtocolVersion = 2

// eapolHeaderLen is version:1, type:1, length:2.
const eapolHeaderLen = 4

// Frame errors
var (
	ErrNotEAPOL  = errors.New("eapol: not an eapol frame")
	ErrTruncated = fmt.Errorf("%w: truncated eapol body", eap.ErrMalformedFrame)
)

// Frame is a decoded EAPOL frame.
type Frame struct {
	Src, Dst net.HardwareAddr
	Version  uint8
	Type     layers.EAPOLType
	// Body is the packet body, without link padding.
	Body []byte
}

// Decode parses an Ethernet frame carrying EAPOL.
func Decode(data []byte) (*Frame, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, ErrNotEAPOL
	}
	eth := ethLayer.(*layers.Ethernet)
	if eth.EthernetType != layers.EthernetTypeEAPOL {
		return nil, fmt.Errorf("%w: ethertype %s", ErrNotEAPOL, eth.EthernetType)
	}

	// The EAPOL header is parsed from the ethernet payload directly; the
	// EAP layer decoder of gopacket rejects frames we want to drop
	// silently ourselves.
	payload := eth.LayerPayload()
	if len(payload) < eapolHeaderLen {
		return nil, ErrTruncated
	}
	var e layers.EAPOL
	if err := e.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	body := payload[eapolHeaderLen:]
	if int(e.Length) > len(body) {
		return nil, fmt.Errorf("%w: length %d, have %d", ErrTruncated, e.Length, len(body))
	}
	return &Frame{
		Src:     eth.SrcMAC,
		Dst:     eth.DstMAC,
		Version: e.Version,
		Type:    e.Type,
		Body:    body[:e.Length],
	}, nil
}

// Encode builds an Ethernet frame carrying an EAPOL packet of type t.
func Encode(src, dst net.HardwareAddr, t layers.EAPOLType, body []byte) ([]byte, error) {
	if len(body) > 0xffff {
		return nil, fmt.Errorf("eapol: body of %d bytes", len(body))
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	err := gopacket.SerializeLayers(buf, opts,
		&layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeEAPOL},
		&layers.EAPOL{Version: ProtocolVersion, Type: t, Length: uint16(len(body))},
		gopacket.Payload(body),
	)
	if err != nil {
		return nil, fmt.Errorf("eapol: serialize: %w", err)
	}
	return buf.Bytes(), nil
}
