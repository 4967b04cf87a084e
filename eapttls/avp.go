package eapttls

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/yzzyx/supplicant/eap"
)

// AVP flags
const (
	FlagVendor    uint8 = 0x80
	FlagMandatory uint8 = 0x40
)

const (
	avpHeaderLen       = 8
	avpVendorHeaderLen = 12
	maxAVPLen          = 1<<24 - 1
)

// RADIUS attributes carried as AVPs.
var (
	CodeUserName     = uint32(rfc2865.UserName_Type)
	CodeUserPassword = uint32(rfc2865.UserPassword_Type)
	CodeReplyMessage = uint32(rfc2865.ReplyMessage_Type)
	CodeEAPMessage   = uint32(rfc2869.EAPMessage_Type)
)

// VendorMicrosoft is the SMI network management private enterprise code of
// Microsoft (RFC 2548).
const VendorMicrosoft uint32 = 311

// Microsoft vendor specific attributes (RFC 2548).
const (
	CodeMSCHAPError     uint32 = 2
	CodeMSCHAPChallenge uint32 = 11
	CodeMSCHAP2Response uint32 = 25
	CodeMSCHAP2Success  uint32 = 26
)

// AVP errors
var (
	ErrAVPTruncated = fmt.Errorf("%w: avp exceeds buffer", eap.ErrMalformedFrame)
	ErrAVPLength    = fmt.Errorf("%w: avp length shorter than its header", eap.ErrMalformedFrame)
	ErrAVPTooLarge  = errors.New("eapttls: avp data too large")
)

// AVP is a Diameter style attribute value pair (RFC 5281 section 10.1).
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           AVP Code                            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V M r r r r r r|                  AVP Length                   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                        Vendor-ID (opt)                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|    Data ...
//	+-+-+-+-+-+-+-+-+
//
// AVP Code
// The AVP Code is four octets and, combined with the Vendor-ID field
// if present, identifies the attribute uniquely.  The first 256 AVP
// numbers represent attributes defined in RADIUS [RFC2865].  AVP
// numbers 256 and above are defined in Diameter [RFC3588].
//
// The 'V' (Vendor-Specific) bit indicates whether the optional
// Vendor-ID field is present.
//
// The 'M' (Mandatory) bit indicates whether support of the AVP is
// required.  If this bit is set to 0, this indicates that the AVP
// may be safely ignored if the receiving party does not understand
// or support it.  If set to 1, this indicates that the receiving
// party MUST fail the negotiation if it does not understand the AVP;
// for a client, this would imply abandoning the negotiation.
//
// AVP Length
// The AVP Length field is three octets and indicates the length of
// this AVP including the AVP Code, AVP Length, AVP Flags, Vendor-ID
// (if present), and Data.  Each AVP is padded to a four octet boundary;
// the padding is not counted in AVP Length.
type AVP struct {
	Code      uint32
	Vendor    uint32
	Mandatory bool
	Data      []byte
}

// Is reports whether a is the attribute code of vendor.
func (a *AVP) Is(vendor, code uint32) bool {
	return a.Vendor == vendor && a.Code == code
}

func (a *AVP) headerLen() int {
	if a.Vendor != 0 {
		return avpVendorHeaderLen
	}
	return avpHeaderLen
}

// Encode appends the padded encoding of a to b.
func (a *AVP) Encode(b []byte) ([]byte, error) {
	length := a.headerLen() + len(a.Data)
	if length > maxAVPLen {
		return b, fmt.Errorf("%w: %d bytes", ErrAVPTooLarge, len(a.Data))
	}

	var flags uint8
	if a.Vendor != 0 {
		flags |= FlagVendor
	}
	if a.Mandatory {
		flags |= FlagMandatory
	}
	b = binary.BigEndian.AppendUint32(b, a.Code)
	b = binary.BigEndian.AppendUint32(b, uint32(flags)<<24|uint32(length))
	if a.Vendor != 0 {
		b = binary.BigEndian.AppendUint32(b, a.Vendor)
	}
	b = append(b, a.Data...)
	for pad := padding(length); pad > 0; pad-- {
		b = append(b, 0)
	}
	return b, nil
}

// EncodeAVPs encodes avps back to back.
func EncodeAVPs(avps ...AVP) ([]byte, error) {
	var b []byte
	for i := range avps {
		var err error
		if b, err = avps[i].Encode(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func padding(length int) int {
	return (4 - length%4) % 4
}

// ParseAVPs decodes a sequence of AVPs. Every length field is checked
// against the remaining buffer before any field behind it is read. Data
// aliases b. Padding missing after the last AVP is tolerated. On error the
// AVPs decoded before the malformed one are returned with it.
func ParseAVPs(b []byte) ([]AVP, error) {
	var avps []AVP
	for len(b) > 0 {
		if len(b) < avpHeaderLen {
			return avps, fmt.Errorf("%w: %d header bytes", ErrAVPTruncated, len(b))
		}
		code := binary.BigEndian.Uint32(b)
		flags := b[4]
		length := int(binary.BigEndian.Uint32(b[4:]) & maxAVPLen)

		headerLen := avpHeaderLen
		if flags&FlagVendor != 0 {
			headerLen = avpVendorHeaderLen
		}
		if length < headerLen {
			return avps, fmt.Errorf("%w: code %d length %d", ErrAVPLength, code, length)
		}
		if length > len(b) {
			return avps, fmt.Errorf("%w: code %d length %d, %d left", ErrAVPTruncated, code, length, len(b))
		}

		a := AVP{
			Code:      code,
			Mandatory: flags&FlagMandatory != 0,
			Data:      b[headerLen:length],
		}
		if flags&FlagVendor != 0 {
			a.Vendor = binary.BigEndian.Uint32(b[avpHeaderLen:])
		}
		avps = append(avps, a)

		next := length + padding(length)
		if next > len(b) {
			next = len(b)
		}
		b = b[next:]
	}
	return avps, nil
}

// Dump writes a hex dump of every AVP in b to w. It stops at the first
// malformed AVP and reports it.
func Dump(w io.Writer, b []byte) error {
	avps, err := ParseAVPs(b)
	for _, a := range avps {
		fmt.Fprintf(w, "AVP 0x%x ", a.Code)
		if a.Vendor != 0 {
			fmt.Fprintf(w, " vendor 0x%x ", a.Vendor)
		}
		if a.Mandatory {
			fmt.Fprint(w, " mandatory ")
		}
		fmt.Fprintf(w, " (%d bytes):\n", len(a.Data))
		fmt.Fprintf(w, "%s\n", hex.Dump(a.Data))
	}
	return err
}
