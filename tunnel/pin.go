package tunnel

import (
	"crypto/x509"
	"errors"

	"github.com/miekg/pkcs11"
)

// IsPINError reports whether err was caused by a wrong or unusable token
// PIN or key passphrase, after which the cached secret must be forgotten.
func IsPINError(err error) bool {
	var p11 pkcs11.Error
	if errors.As(err, &p11) {
		switch uint(p11) {
		case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID, pkcs11.CKR_PIN_EXPIRED,
			pkcs11.CKR_PIN_LOCKED, pkcs11.CKR_PIN_LEN_RANGE:
			return true
		}
	}
	return errors.Is(err, x509.IncorrectPasswordError)
}
