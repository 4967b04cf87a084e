package mschapv2

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Server side of the exchange, used to drive the method in tests.

// parseResponse decodes Response data.
func parseResponse(data []byte) (*Response, error) {
	if len(data) < 1+responseValueLen {
		return nil, ErrTooShort
	}
	if data[0] != responseValueLen {
		return nil, fmt.Errorf("%w: %d", ErrValueSize, data[0])
	}
	value := data[1 : 1+responseValueLen]
	return &Response{
		PeerChallenge: append([]byte(nil), value[:ChallengeLen]...),
		NTResponse:    append([]byte(nil), value[ChallengeLen+responseReserveLen:ChallengeLen+responseReserveLen+NTResponseLen]...),
		Flags:         value[responseValueLen-1],
		Name:          append([]byte(nil), data[1+responseValueLen:]...),
	}, nil
}

// formatAuthenticatorResponse renders the authenticator response the way
// the server sends it.
func formatAuthenticatorResponse(authResponse []byte) string {
	return "S=" + strings.ToUpper(hex.EncodeToString(authResponse))
}
