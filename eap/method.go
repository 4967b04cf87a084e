package eap

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/rs/zerolog"
)

// MethodState is the method's view of the conversation (RFC 4137 methodState).
type MethodState int

// Method states
const (
	StateNone MethodState = iota
	StateInit
	StateContinuing
	StateMayContinue
	StateDone
)

func (s MethodState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInit:
		return "INIT"
	case StateContinuing:
		return "CONT"
	case StateMayContinue:
		return "MAY_CONT"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("MethodState(%d)", int(s))
	}
}

// Decision is the method's verdict on the outcome (RFC 4137 decision).
type Decision int

// Decisions
const (
	DecisionFail Decision = iota
	DecisionConditionalSuccess
	DecisionUnconditionalSuccess
)

func (d Decision) String() string {
	switch d {
	case DecisionFail:
		return "FAIL"
	case DecisionConditionalSuccess:
		return "COND_SUCC"
	case DecisionUnconditionalSuccess:
		return "UNCOND_SUCC"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Outcome is returned by every method invocation and is the only channel
// through which a method reports progress to the state machine.
// Err carries the cause whenever Decision is DecisionFail or Ignore is set.
type Outcome struct {
	Ignore             bool
	State              MethodState
	Decision           Decision
	AllowNotifications bool
	Err                error
}

// Ignored drops the current request without a response.
func Ignored(err error) Outcome {
	return Outcome{Ignore: true, Err: err}
}

// Continuing keeps the conversation going without a verdict yet.
func Continuing() Outcome {
	return Outcome{State: StateContinuing, Decision: DecisionFail, AllowNotifications: true}
}

// Failed terminates the method.
func Failed(err error) Outcome {
	return Outcome{State: StateDone, Decision: DecisionFail, Err: err}
}

// Succeeded terminates the method with the given decision.
func Succeeded(state MethodState, decision Decision) Outcome {
	return Outcome{State: state, Decision: decision, AllowNotifications: true}
}

// Method is a running method instance. Its private state is owned by the
// instance between construction and Close.
type Method interface {
	// Process handles one request of this method and returns the
	// type-data of the response, or nil when nothing is to be sent.
	Process(req *Packet) ([]byte, Outcome)
	IsKeyAvailable() bool
	// Key returns the MSK or nil.
	Key() []byte
	// EMSK returns the extended MSK or nil.
	EMSK() []byte
	SessionID() []byte
	// Close releases the instance (deinit).
	Close() error
}

// IdentityProvider is implemented by methods that have a better identity
// for the next Identity response than the configured one.
type IdentityProvider interface {
	Identity() []byte
}

// Reauthenticator is implemented by methods that keep state across
// re-authentication, such as TLS session resumption.
type Reauthenticator interface {
	HasReauthData() bool
	InitForReauth() error
	DeinitForReauth()
}

// Credentials is the credential store as seen by methods. Methods only
// borrow credentials; the store owns them.
type Credentials interface {
	Identity() []byte
	AnonymousIdentity() []byte
	// Password returns the password or, when hashed is set, its NT hash.
	Password() (password []byte, hashed bool)
	NewPassword() []byte
	HasClientCertificate() bool
	ClientCertificate() (*tls.Certificate, error)
	CACertificates() *x509.CertPool
	// SetPassword replaces the password after a successful password change.
	SetPassword(password []byte)
	// InvalidatePIN forgets a cached token PIN so that the next attempt
	// prompts for it again.
	InvalidatePIN()
}

// Phase 2 modes of tunnelled methods.
const (
	Phase2EAP      = "eap"
	Phase2MSCHAPv2 = "mschapv2"
)

// DefaultFragmentSize fits an EAP-TLS fragment into a typical 1500 byte MTU.
const DefaultFragmentSize = 1398

// MethodConfig carries per-network method settings.
type MethodConfig struct {
	// FragmentSize is the maximum amount of TLS data per EAP packet.
	FragmentSize int
	// IncludeTLSLength sets the L flag on unfragmented messages too.
	IncludeTLSLength bool
	// TLS is the base configuration for tunnel handshakes. Certificates and
	// root CAs are filled in from the credentials.
	TLS *tls.Config
	// Phase2 selects the inner authentication of tunnelled methods.
	Phase2 string
}

// Env is what a method borrows from the session that runs it.
type Env struct {
	Credentials Credentials
	Registry    *Registry
	Config      MethodConfig
	Logger      zerolog.Logger
}

// FragmentLimit returns the configured fragment size or the default.
func (c MethodConfig) FragmentLimit() int {
	if c.FragmentSize <= 0 {
		return DefaultFragmentSize
	}
	return c.FragmentSize
}
