package mschapv2

import (
	"crypto/des"
	"crypto/rc4"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// Sizes of the exchanged values.
const (
	ChallengeLen     = 16
	NTResponseLen    = 24
	AuthResponseLen  = 20
	MasterKeyLen     = 16
	SessionKeyLen    = 16
	PasswordHashLen  = 16
	pwBlockLen       = 516
	maxPasswordBytes = 512
)

var (
	errPasswordTooLong = errors.New("mschapv2: password too long")

	// RFC 2759 section 8.7
	magic1 = []byte("Magic server to client signing constant")
	magic2 = []byte("Pad to make it do more than one iteration")

	// RFC 3079 section 3.4
	mppeMagic1 = []byte("This is the MPPE Master Key")
	mppeMagic2 = []byte("On the client side, this is the send key; on the server side, it is the receive key.")
	mppeMagic3 = []byte("On the client side, this is the receive key; on the server side, it is the send key.")
	shsPad1    = make([]byte, 40)
	shsPad2    = func() []byte {
		b := make([]byte, 40)
		for i := range b {
			b[i] = 0xf2
		}
		return b
	}()
)

// ChallengeHash implements RFC 2759 section 8.2.
func ChallengeHash(peerChallenge, authChallenge, userName []byte) []byte {
	h := sha1.New()
	h.Write(peerChallenge)
	h.Write(authChallenge)
	h.Write(userName)
	return h.Sum(nil)[:8]
}

// NTPasswordHash implements RFC 2759 section 8.3.
func NTPasswordHash(password []byte) []byte {
	h := md4.New()
	h.Write(unicodePassword(password))
	return h.Sum(nil)
}

// HashNTPasswordHash implements RFC 2759 section 8.4.
func HashNTPasswordHash(passwordHash []byte) []byte {
	h := md4.New()
	h.Write(passwordHash)
	return h.Sum(nil)
}

// unicodePassword converts a UTF-8 password into UTF-16LE.
func unicodePassword(password []byte) []byte {
	encoded := utf16.Encode([]rune(string(password)))
	buf := make([]byte, 2*len(encoded))
	for i, c := range encoded {
		binary.LittleEndian.PutUint16(buf[2*i:], c)
	}
	return buf
}

// desEncrypt implements RFC 2759 section 8.6 with a 7 octet key.
func desEncrypt(clear, key []byte) []byte {
	keyWithParity := make([]byte, 8)

	next := byte(0)
	for i := 0; i < 7; i++ {
		keyWithParity[i] = (key[i] >> uint(i)) | next
		next = key[i] << uint(7-i)
	}
	keyWithParity[7] = next

	// des.NewCipher only fails on a wrong key size.
	c, _ := des.NewCipher(keyWithParity)
	out := make([]byte, 8)
	c.Encrypt(out, clear)
	return out
}

// ChallengeResponse implements RFC 2759 section 8.5.
func ChallengeResponse(challenge, passwordHash []byte) []byte {
	zPasswordHash := make([]byte, 21)
	copy(zPasswordHash, passwordHash)
	response := make([]byte, NTResponseLen)
	copy(response, desEncrypt(challenge, zPasswordHash[0:7]))
	copy(response[8:], desEncrypt(challenge, zPasswordHash[7:14]))
	copy(response[16:], desEncrypt(challenge, zPasswordHash[14:21]))
	return response
}

// GenerateNTResponse implements RFC 2759 section 8.1 from a password hash.
func GenerateNTResponse(authChallenge, peerChallenge, userName, passwordHash []byte) []byte {
	challenge := ChallengeHash(peerChallenge, authChallenge, userName)
	return ChallengeResponse(challenge, passwordHash)
}

// GenerateAuthenticatorResponse implements RFC 2759 section 8.7 from a
// password hash.
func GenerateAuthenticatorResponse(passwordHash, ntResponse, peerChallenge, authChallenge, userName []byte) []byte {
	passwordHashHash := HashNTPasswordHash(passwordHash)

	h := sha1.New()
	h.Write(passwordHashHash)
	h.Write(ntResponse)
	h.Write(magic1)
	digest := h.Sum(nil)

	challenge := ChallengeHash(peerChallenge, authChallenge, userName)

	h = sha1.New()
	h.Write(digest)
	h.Write(challenge)
	h.Write(magic2)
	return h.Sum(nil)
}

// MasterKey implements GetMasterKey of RFC 3079 section 3.4.
func MasterKey(passwordHash, ntResponse []byte) []byte {
	h := sha1.New()
	h.Write(HashNTPasswordHash(passwordHash))
	h.Write(ntResponse)
	h.Write(mppeMagic1)
	return h.Sum(nil)[:MasterKeyLen]
}

// AsymmetricStartKey implements GetAsymmetricStartKey of RFC 3079
// section 3.4.
func AsymmetricStartKey(masterKey []byte, keyLen int, isSend, isServer bool) []byte {
	s := mppeMagic3
	if isSend == !isServer {
		s = mppeMagic2
	}
	h := sha1.New()
	h.Write(masterKey)
	h.Write(shsPad1)
	h.Write(s)
	h.Write(shsPad2)
	return h.Sum(nil)[:keyLen]
}

// PeerMSK returns the EAP-MSCHAPv2 MSK of the peer: its send key followed
// by its receive key.
func PeerMSK(masterKey []byte) []byte {
	msk := make([]byte, 0, 2*SessionKeyLen)
	msk = append(msk, AsymmetricStartKey(masterKey, SessionKeyLen, true, false)...)
	msk = append(msk, AsymmetricStartKey(masterKey, SessionKeyLen, false, false)...)
	return msk
}

// NewPasswordEncryptedWithOldNTPasswordHash implements RFC 2759 section
// 8.9. rnd fills the unused part of the password block; a read failure
// aborts the whole operation.
func NewPasswordEncryptedWithOldNTPasswordHash(newPassword, oldPasswordHash []byte, rnd io.Reader) ([]byte, error) {
	pw := unicodePassword(newPassword)
	if len(pw) > maxPasswordBytes {
		return nil, errPasswordTooLong
	}

	block := make([]byte, pwBlockLen)
	if _, err := io.ReadFull(rnd, block[:maxPasswordBytes-len(pw)]); err != nil {
		return nil, fmt.Errorf("mschapv2: password block padding: %w", err)
	}
	copy(block[maxPasswordBytes-len(pw):], pw)
	binary.LittleEndian.PutUint32(block[maxPasswordBytes:], uint32(len(pw)))

	c, err := rc4.NewCipher(oldPasswordHash)
	if err != nil {
		return nil, fmt.Errorf("mschapv2: rc4: %w", err)
	}
	out := make([]byte, pwBlockLen)
	c.XORKeyStream(out, block)
	return out, nil
}

// OldNTPasswordHashEncryptedWithNewNTPasswordHash implements RFC 2759
// section 8.12.
func OldNTPasswordHashEncryptedWithNewNTPasswordHash(newPasswordHash, oldPasswordHash []byte) []byte {
	out := make([]byte, 0, PasswordHashLen)
	out = append(out, desEncrypt(oldPasswordHash[0:8], newPasswordHash[0:7])...)
	out = append(out, desEncrypt(oldPasswordHash[8:16], newPasswordHash[7:14])...)
	return out
}
