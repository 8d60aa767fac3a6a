package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const signatureLength = 65

var (
	errMalformedSignature = errors.New("auth: malformed signature")
	errMalformedKey       = errors.New("auth: malformed private key")
)

// HashPersonalMessage computes the keccak-256 digest of a message wrapped in
// the standard signed-message envelope used by wallet signers.
func HashPersonalMessage(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := sha3.NewLegacyKeccak256()
	digest.Write([]byte(prefixed))
	return digest.Sum(nil)
}

// RecoverAddress returns the account address that produced the signature over
// the given message. Signatures are 65-byte r||s||v hex strings as emitted by
// wallet signers; v may be 0/1 or 27/28.
func RecoverAddress(message, signature string) (string, error) {
	raw, err := decodeHex(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedSignature, err)
	}
	if len(raw) != signatureLength {
		return "", fmt.Errorf("%w: got %d bytes", errMalformedSignature, len(raw))
	}

	recovery := raw[signatureLength-1]
	if recovery >= 27 {
		recovery -= 27
	}
	if recovery > 1 {
		return "", fmt.Errorf("%w: recovery id %d", errMalformedSignature, raw[signatureLength-1])
	}

	compact := make([]byte, signatureLength)
	compact[0] = recovery + 27
	copy(compact[1:], raw[:signatureLength-1])

	publicKey, _, err := secpecdsa.RecoverCompact(compact, HashPersonalMessage(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedSignature, err)
	}
	return PublicKeyAddress(publicKey), nil
}

// SignMessage produces an r||s||v hex signature over the personal-message
// digest of message, in the same layout RecoverAddress accepts.
func SignMessage(privateKey *secp256k1.PrivateKey, message string) string {
	compact := secpecdsa.SignCompact(privateKey, HashPersonalMessage(message), false)
	ordered := make([]byte, signatureLength)
	copy(ordered, compact[1:])
	ordered[signatureLength-1] = compact[0]
	return "0x" + hex.EncodeToString(ordered)
}

// PublicKeyAddress derives the 0x-prefixed account address for a public key.
func PublicKeyAddress(publicKey *secp256k1.PublicKey) string {
	uncompressed := publicKey.SerializeUncompressed()
	digest := sha3.NewLegacyKeccak256()
	digest.Write(uncompressed[1:])
	sum := digest.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// ParsePrivateKey decodes a hex-encoded secp256k1 private key.
func ParsePrivateKey(keyHex string) (*secp256k1.PrivateKey, error) {
	raw, err := decodeHex(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", errMalformedKey, len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// EqualAddresses compares two account addresses ignoring case and 0x prefixes.
func EqualAddresses(a, b string) bool {
	return strings.EqualFold(normalizeAddress(a), normalizeAddress(b))
}

func normalizeAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	return strings.TrimPrefix(trimmed, "0X")
}

func decodeHex(value string) ([]byte, error) {
	return hex.DecodeString(normalizeHexPrefix(value))
}

func normalizeHexPrefix(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	return strings.TrimPrefix(trimmed, "0X")
}
