// Package mse defines the types used to negotiate Message Stream
// Encryption on a connection. It does not implement the RC4 handshake
// itself: this module only ever completes the plaintext path, but keeps
// the CryptoMethod vocabulary so the handshake engine and peer layer can
// name and reject an encrypted offer instead of silently ignoring it.
package mse

import "errors"

// CryptoMethod is a bitmask of encryption methods offered or selected
// during the MSE handshake (BEP-style crypto_provide/crypto_select field).
type CryptoMethod uint32

const (
	// PlainText means no encryption, the only method this module completes.
	PlainText CryptoMethod = 1 << 0
	// RC4 is the standard MSE stream cipher. Offering it is recognized;
	// completing an RC4 handshake is not implemented.
	RC4 CryptoMethod = 1 << 1
)

func (c CryptoMethod) String() string {
	switch c {
	case PlainText:
		return "plaintext"
	case RC4:
		return "rc4"
	default:
		return "none"
	}
}

// ErrNotImplemented is returned by Select when the peer does not offer
// plaintext; the RC4 handshake is not implemented.
var ErrNotImplemented = errors.New("mse: rc4 handshake not implemented, only plaintext is supported")

// Select picks a method from the methods the other side provided,
// preferring to stay unencrypted. Returns ErrNotImplemented whenever the
// peer does not provide plaintext, whatever forcePlainTextOK is.
func Select(provided CryptoMethod, forcePlainTextOK bool) (CryptoMethod, error) {
	if provided&PlainText != 0 {
		return PlainText, nil
	}
	if !forcePlainTextOK {
		return 0, ErrNotImplemented
	}
	return 0, ErrNotImplemented
}
