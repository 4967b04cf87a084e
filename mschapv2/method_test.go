package mschapv2

import (
	"bytes"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/eap/eaptest"
)

func request(id uint8, msg *Message) *eap.Packet {
	return eap.NewEAP(eap.CodeRequest, id, eap.TypeMSCHAPv2, msg.Encode())
}

func challengeRequest(t *testing.T, id, msID uint8, authChallenge string) *eap.Packet {
	data := append([]byte{ChallengeLen}, unhex(t, authChallenge)...)
	data = append(data, "radius.example.com"...)
	return request(id, &Message{Op: OpChallenge, ID: msID, Data: data})
}

func newVectorMethod(t *testing.T, creds *eaptest.Credentials) *Method {
	m, err := New(eaptest.Env(creds), bytes.NewReader(unhex(t, vectorPeerChallenge)))
	require.NoError(t, err)
	return m
}

func TestMethodSuccess(t *testing.T) {
	creds := &eaptest.Credentials{User: vectorUser, Pass: vectorPassword}
	m := newVectorMethod(t, creds)

	out, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)
	assert.False(t, outcome.Ignore)
	assert.Equal(t, eap.StateContinuing, outcome.State)
	assert.Equal(t, phaseResponseSent, m.Phase())

	msg, err := DecodeMessage(out)
	require.NoError(t, err)
	assert.Equal(t, OpResponse, msg.Op)
	assert.Equal(t, uint8(7), msg.ID)
	resp, err := parseResponse(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, vectorNTResponse), resp.NTResponse)
	assert.Equal(t, vectorUser, resp.Name)
	assert.False(t, m.IsKeyAvailable())
	assert.Zero(t, m.current.PrevError)
	assert.Nil(t, m.current.MSK())

	out, outcome = m.Process(request(4, &Message{Op: OpSuccess, ID: 7, Data: []byte(vectorAuthResponse + " M=Welcome")}))
	require.NoError(t, outcome.Err)
	assert.Equal(t, []byte{byte(OpSuccess)}, out)
	assert.Equal(t, eap.StateDone, outcome.State)
	assert.Equal(t, eap.DecisionUnconditionalSuccess, outcome.Decision)
	assert.Equal(t, phaseSuccess, m.Phase())

	require.True(t, m.IsKeyAvailable())
	assert.Equal(t, PeerMSK(unhex(t, vectorMasterKey)), m.Key())
	assert.Nil(t, m.EMSK())
	assert.Nil(t, m.SessionID())
	assert.Empty(t, creds.PasswordSets)
}

func TestMethodStripsDomain(t *testing.T) {
	identity := []byte(`EXAMPLE\User`)
	m := newVectorMethod(t, &eaptest.Credentials{User: identity, Pass: vectorPassword})

	out, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)
	msg, err := DecodeMessage(out)
	require.NoError(t, err)
	resp, err := parseResponse(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, unhex(t, vectorNTResponse), resp.NTResponse)
	assert.Equal(t, identity, resp.Name)
}

func TestMethodAcceptsPasswordHash(t *testing.T) {
	m := newVectorMethod(t, &eaptest.Credentials{User: vectorUser, Pass: NTPasswordHash(vectorPassword), Hashed: true})

	out, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)
	resp, err := parseResponse(out[headerLen:])
	require.NoError(t, err)
	assert.Equal(t, unhex(t, vectorNTResponse), resp.NTResponse)
}

func TestMethodRejectsAuthenticatorMismatch(t *testing.T) {
	m := newVectorMethod(t, &eaptest.Credentials{User: vectorUser, Pass: vectorPassword})
	_, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)

	bogus := "S=" + hex.EncodeToString(make([]byte, AuthResponseLen))
	out, outcome := m.Process(request(4, &Message{Op: OpSuccess, ID: 7, Data: []byte(bogus)}))
	assert.Nil(t, out)
	assert.Equal(t, eap.StateDone, outcome.State)
	assert.Equal(t, eap.DecisionFail, outcome.Decision)
	assert.ErrorIs(t, outcome.Err, eap.ErrProtocolViolation)
	assert.False(t, m.IsKeyAvailable())
	assert.Equal(t, phaseFailed, m.Phase())
}

func TestMethodFailsOnSuccessBeforeChallenge(t *testing.T) {
	m := newVectorMethod(t, &eaptest.Credentials{User: vectorUser, Pass: vectorPassword})
	out, outcome := m.Process(request(4, &Message{Op: OpSuccess, ID: 7, Data: []byte(vectorAuthResponse)}))
	assert.Nil(t, out)
	assert.False(t, outcome.Ignore)
	assert.Equal(t, eap.StateDone, outcome.State)
	assert.Equal(t, eap.DecisionFail, outcome.Decision)
	assert.ErrorIs(t, outcome.Err, eap.ErrProtocolViolation)
	assert.Equal(t, phaseFailed, m.Phase())
}

func TestMethodIgnoresMalformed(t *testing.T) {
	m := newVectorMethod(t, &eaptest.Credentials{User: vectorUser, Pass: vectorPassword})
	_, outcome := m.Process(eap.NewEAP(eap.CodeRequest, 1, eap.TypeMSCHAPv2, []byte{1, 1, 0}))
	assert.True(t, outcome.Ignore)
	assert.ErrorIs(t, outcome.Err, eap.ErrMalformedFrame)
}

func TestMethodRetriesOnce(t *testing.T) {
	creds := &eaptest.Credentials{User: vectorUser, Pass: []byte("wrong")}
	m, err := New(eaptest.Env(creds), rand.Reader)
	require.NoError(t, err)

	_, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)

	creds.Pass = vectorPassword
	failure := "E=691 R=1 C=" + vectorAuthChallenge + " V=3 M=try again"
	out, outcome := m.Process(request(4, &Message{Op: OpFailure, ID: 7, Data: []byte(failure)}))
	require.NoError(t, outcome.Err)
	assert.Equal(t, eap.StateContinuing, outcome.State)
	assert.Equal(t, phaseRetrySent, m.Phase())
	assert.Equal(t, ErrorAuthenticationFailed, m.current.PrevError)

	msg, err := DecodeMessage(out)
	require.NoError(t, err)
	assert.Equal(t, OpResponse, msg.Op)
	assert.Equal(t, uint8(8), msg.ID)
	resp, err := parseResponse(msg.Data)
	require.NoError(t, err)
	want := GenerateNTResponse(unhex(t, vectorAuthChallenge), resp.PeerChallenge, vectorUser, NTPasswordHash(vectorPassword))
	assert.Equal(t, want, resp.NTResponse)

	out, outcome = m.Process(request(5, &Message{Op: OpFailure, ID: 8, Data: []byte(failure)}))
	assert.Equal(t, []byte{byte(OpFailure)}, out)
	assert.Equal(t, eap.StateDone, outcome.State)
	assert.Equal(t, eap.DecisionFail, outcome.Decision)
	assert.ErrorIs(t, outcome.Err, eap.ErrCredentialRejected)
	assert.Equal(t, phaseFailed, m.Phase())
}

func TestMethodFailsWithoutRetry(t *testing.T) {
	m := newVectorMethod(t, &eaptest.Credentials{User: vectorUser, Pass: vectorPassword})
	_, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)

	out, outcome := m.Process(request(4, &Message{Op: OpFailure, ID: 7, Data: []byte("E=647 R=0 V=3 M=disabled")}))
	assert.Equal(t, []byte{byte(OpFailure)}, out)
	assert.Equal(t, eap.DecisionFail, outcome.Decision)
	assert.ErrorIs(t, outcome.Err, eap.ErrCredentialRejected)
}

func TestMethodChangesExpiredPassword(t *testing.T) {
	newPassword := []byte("n3wPassword")
	creds := &eaptest.Credentials{User: vectorUser, Pass: vectorPassword, NewPass: newPassword}
	m, err := New(eaptest.Env(creds), rand.Reader)
	require.NoError(t, err)

	_, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)

	newChallenge := "00112233445566778899aabbccddeeff"
	failure := "E=648 R=1 C=" + newChallenge + " V=3 M=Password expired"
	out, outcome := m.Process(request(4, &Message{Op: OpFailure, ID: 7, Data: []byte(failure)}))
	require.NoError(t, outcome.Err)
	assert.Equal(t, eap.StateContinuing, outcome.State)
	assert.Equal(t, phaseChangeSent, m.Phase())
	assert.Equal(t, ErrorPasswordExpired, m.current.PrevError)

	msg, err := DecodeMessage(out)
	require.NoError(t, err)
	assert.Equal(t, OpChangePassword, msg.Op)
	assert.Equal(t, uint8(8), msg.ID)
	assert.Equal(t, uint16(586), binary.BigEndian.Uint16(out[2:]))

	oldHash := NTPasswordHash(vectorPassword)
	c, err := rc4.NewCipher(oldHash)
	require.NoError(t, err)
	block := make([]byte, pwBlockLen)
	c.XORKeyStream(block, msg.Data[:pwBlockLen])
	pw := unicodePassword(newPassword)
	assert.Equal(t, pw, block[maxPasswordBytes-len(pw):maxPasswordBytes])

	off := pwBlockLen + PasswordHashLen
	peerChallenge := msg.Data[off : off+ChallengeLen]
	ntResponse := msg.Data[off+ChallengeLen+8 : off+ChallengeLen+8+NTResponseLen]
	newHash := NTPasswordHash(newPassword)
	assert.Equal(t, GenerateNTResponse(unhex(t, newChallenge), peerChallenge, vectorUser, newHash), ntResponse)

	auth := GenerateAuthenticatorResponse(newHash, ntResponse, peerChallenge, unhex(t, newChallenge), vectorUser)
	out, outcome = m.Process(request(5, &Message{Op: OpSuccess, ID: 8, Data: []byte(formatAuthenticatorResponse(auth))}))
	require.NoError(t, outcome.Err)
	assert.Equal(t, []byte{byte(OpSuccess)}, out)
	assert.Equal(t, eap.DecisionUnconditionalSuccess, outcome.Decision)
	assert.Equal(t, [][]byte{newPassword}, creds.PasswordSets)
	assert.True(t, m.IsKeyAvailable())
}

func TestMethodExpiredWithoutNewPassword(t *testing.T) {
	m := newVectorMethod(t, &eaptest.Credentials{User: vectorUser, Pass: vectorPassword})
	_, outcome := m.Process(challengeRequest(t, 3, 7, vectorAuthChallenge))
	require.NoError(t, outcome.Err)

	out, outcome := m.Process(request(4, &Message{Op: OpFailure, ID: 7, Data: []byte("E=648 R=0 V=3")}))
	assert.Equal(t, []byte{byte(OpFailure)}, out)
	assert.ErrorIs(t, outcome.Err, eap.ErrCredentialRejected)
}

func TestDescriptorCheck(t *testing.T) {
	assert.ErrorIs(t, Descriptor.Allowed(&eaptest.Credentials{User: vectorUser}), eap.ErrNoCredential)
	assert.NoError(t, Descriptor.Allowed(&eaptest.Credentials{User: vectorUser, Pass: vectorPassword}))
	assert.False(t, Descriptor.Outer)
}
