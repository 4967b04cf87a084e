package mschapv2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/yzzyx/supplicant/eap"
)

// OpCode is the MSCHAPv2 operation code.
type OpCode uint8

// MSCHAPv2 op codes
const (
	OpChallenge      OpCode = 1
	OpResponse       OpCode = 2
	OpSuccess        OpCode = 3
	OpFailure        OpCode = 4
	OpChangePassword OpCode = 7
)

func (o OpCode) String() string {
	switch o {
	case OpChallenge:
		return "Challenge"
	case OpResponse:
		return "Response"
	case OpSuccess:
		return "Success"
	case OpFailure:
		return "Failure"
	case OpChangePassword:
		return "Change-Password"
	default:
		return fmt.Sprintf("OpCode(%d)", uint8(o))
	}
}

// MSCHAPv2 errors
var (
	ErrTooShort       = fmt.Errorf("%w: mschapv2 message too short", eap.ErrMalformedFrame)
	ErrLengthMismatch = fmt.Errorf("%w: mschapv2 length does not match received data", eap.ErrMalformedFrame)
	ErrValueSize      = fmt.Errorf("%w: mschapv2 unexpected value size", eap.ErrMalformedFrame)
	ErrBadSuccess     = errors.New("mschapv2: malformed success message")
	ErrBadFailure     = errors.New("mschapv2: malformed failure message")
)

const (
	headerLen          = 4
	responseValueLen   = 49
	changePasswordLen  = pwBlockLen + PasswordHashLen + ChallengeLen + 8 + NTResponseLen + 2
	responseReserveLen = 8
)

// Message is an EAP-MSCHAPv2 message as carried in the EAP type-data.
//
// 0                   1                   2                   3
// 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |    OpCode     |  MS-CHAPv2-ID |           MS-Length           |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |  Data ...
// +-+-+-+-+-+-+-+-+
//
// MS-Length counts from the OpCode field to the end of Data.
// The peer acknowledges Success and Failure with the OpCode alone.
type Message struct {
	Op   OpCode
	ID   uint8
	Data []byte
}

// Encode creates a byte-array from a message. Use Ack for the one octet
// acknowledgements.
func (m *Message) Encode() []byte {
	buf := make([]byte, headerLen, headerLen+len(m.Data))
	buf[0] = uint8(m.Op)
	buf[1] = m.ID
	binary.BigEndian.PutUint16(buf[2:], uint16(headerLen+len(m.Data)))
	return append(buf, m.Data...)
}

// Ack returns the one octet acknowledgement of a Success or Failure.
func Ack(op OpCode) []byte {
	return []byte{uint8(op)}
}

// DecodeMessage decodes a request sent by the authenticator.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < headerLen {
		return nil, ErrTooShort
	}
	m := &Message{
		Op: OpCode(b[0]),
		ID: b[1],
	}
	msLen := int(binary.BigEndian.Uint16(b[2:]))
	if msLen != len(b) {
		return nil, fmt.Errorf("%w: ms-length %d, received %d", ErrLengthMismatch, msLen, len(b))
	}
	m.Data = b[headerLen:]
	return m, nil
}

// Challenge is the data of a Challenge request.
type Challenge struct {
	AuthChallenge []byte
	Name          []byte
}

// ParseChallenge decodes the data of a Challenge request.
func ParseChallenge(data []byte) (*Challenge, error) {
	if len(data) < 1+ChallengeLen {
		return nil, ErrTooShort
	}
	if data[0] != ChallengeLen {
		return nil, fmt.Errorf("%w: %d", ErrValueSize, data[0])
	}
	return &Challenge{
		AuthChallenge: append([]byte(nil), data[1:1+ChallengeLen]...),
		Name:          append([]byte(nil), data[1+ChallengeLen:]...),
	}, nil
}

// Response is the data of a Response message.
type Response struct {
	PeerChallenge []byte
	NTResponse    []byte
	Flags         uint8
	Name          []byte
}

// Encode returns the Response data: value size, peer challenge,
// reserved octets, NT response, flags and name.
func (r *Response) Encode() []byte {
	buf := make([]byte, 1+responseValueLen, 1+responseValueLen+len(r.Name))
	buf[0] = responseValueLen
	copy(buf[1:], r.PeerChallenge)
	copy(buf[1+ChallengeLen+responseReserveLen:], r.NTResponse)
	buf[responseValueLen] = r.Flags
	return append(buf, r.Name...)
}

// ChangePassword is the data of a Change-Password message (MS-CHAP2-CPW).
type ChangePassword struct {
	EncryptedPassword []byte
	EncryptedHash     []byte
	PeerChallenge     []byte
	NTResponse        []byte
	Flags             uint16
}

// Encode returns the Change-Password data.
func (c *ChangePassword) Encode() []byte {
	buf := make([]byte, changePasswordLen)
	off := copy(buf, c.EncryptedPassword)
	off += copy(buf[off:], c.EncryptedHash)
	off += copy(buf[off:], c.PeerChallenge)
	off += responseReserveLen
	off += copy(buf[off:], c.NTResponse)
	binary.BigEndian.PutUint16(buf[off:], c.Flags)
	return buf
}
