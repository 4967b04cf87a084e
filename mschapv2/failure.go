package mschapv2

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Error codes carried in E= of a Failure message.
const (
	ErrorRestrictedLogonHours = 646
	ErrorAccountDisabled      = 647
	ErrorPasswordExpired      = 648
	ErrorNoDialinPermission   = 649
	ErrorAuthenticationFailed = 691
	ErrorChangingPassword     = 709
)

// Failure is a parsed Failure message:
//
//	E=eeeeeeeeee R=r C=cccccccccccccccccccccccccccccccc V=vvvvvvvvvv M=<msg>
type Failure struct {
	Error     int
	Retry     bool
	Challenge []byte
	Version   int
	Message   string
}

// Retryable reports whether the server allows another attempt on the same
// exchange.
func (f *Failure) Retryable() bool {
	return f.Retry && f.Error == ErrorAuthenticationFailed
}

// ParseFailure decodes a Failure message. Unknown fields are ignored; M=
// extends to the end of the message.
func ParseFailure(msg []byte) (*Failure, error) {
	s := strings.TrimRight(string(msg), "\x00")
	f := &Failure{}
	seenError := false

	for s != "" {
		s = strings.TrimLeft(s, " ")
		if strings.HasPrefix(s, "M=") {
			f.Message = s[2:]
			break
		}
		field := s
		if i := strings.IndexByte(s, ' '); i >= 0 {
			field, s = s[:i], s[i+1:]
		} else {
			s = ""
		}
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		value := field[2:]

		switch field[0] {
		case 'E':
			code, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: E=%q", ErrBadFailure, value)
			}
			f.Error = code
			seenError = true
		case 'R':
			f.Retry = value == "1"
		case 'C':
			challenge, err := hex.DecodeString(value)
			if err != nil || len(challenge) != ChallengeLen {
				return nil, fmt.Errorf("%w: C=%q", ErrBadFailure, value)
			}
			f.Challenge = challenge
		case 'V':
			version, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: V=%q", ErrBadFailure, value)
			}
			f.Version = version
		}
	}

	if !seenError {
		return nil, fmt.Errorf("%w: no error code", ErrBadFailure)
	}
	return f, nil
}

// ParseSuccess extracts the authenticator response from a Success message
// of the form "S=<40 hex digits>[ M=<msg>]".
func ParseSuccess(msg []byte) (authResponse []byte, message string, err error) {
	i := bytes.Index(msg, []byte("S="))
	if i < 0 || len(msg) < i+2+2*AuthResponseLen {
		return nil, "", fmt.Errorf("%w: no authenticator response", ErrBadSuccess)
	}
	authResponse, err = hex.DecodeString(string(msg[i+2 : i+2+2*AuthResponseLen]))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadSuccess, err)
	}
	rest := string(msg[i+2+2*AuthResponseLen:])
	if j := strings.Index(rest, "M="); j >= 0 {
		message = rest[j+2:]
	}
	return authResponse, message, nil
}
