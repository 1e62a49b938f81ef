// pkg/credential/credential.go
// Package credential derives and verifies the per-token credential shared
// between a Controller and its Agents. The shared secret never goes over the
// wire: every credential implicitly proves both knowledge of the secret and
// binding to the specific request it was computed for, because the token is
// request-specific.
//
// Derivation: PBKDF2-HMAC-SHA256 stretches the secret using the instance name
// as salt into a 48-byte key (32-byte AES-256 key + 16-byte IV); the token's
// UTF-8 bytes are AES-CFB encrypted under that key/IV and the ciphertext is
// encoded with a fixed base62 alphabet.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 4096
	keyLen        = 32
	ivLen         = 16
	alphabet      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// ErrSecretTooShort is returned when the shared secret is outside the
// 16-255 byte range prescribed for AgentConfig.sharedSecret.
var ErrSecretTooShort = errors.New("credential: shared secret must be 16-255 bytes")

// Derive computes credential(secret, instanceName, token) as defined by the
// Relay protocol. instanceName is used only as the KDF salt; token is any
// request-specific string (a UUID's canonical string form, typically).
func Derive(secret []byte, instanceName, token string) (string, error) {
	if len(secret) < 16 || len(secret) > 255 {
		return "", ErrSecretTooShort
	}
	stretched := pbkdf2.Key(secret, []byte(instanceName), kdfIterations, keyLen+ivLen, sha256.New)
	key, iv := stretched[:keyLen], stretched[keyLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plain := []byte(token)
	cipherText := make([]byte, len(plain))
	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(cipherText, plain)

	return encodeBase62(cipherText), nil
}

// Verify recomputes the credential from (secret, instanceName, token) and
// compares it against presented in constant time. It never short-circuits on
// the first mismatched byte.
func Verify(secret []byte, instanceName, token, presented string) (bool, error) {
	expected, err := Derive(secret, instanceName, token)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1, nil
}

// encodeBase62 renders b as a base62 string using the fixed alphabet above.
// Leading zero bytes are preserved as leading '0' characters, so inputs that
// differ only in their leading zero bytes still encode differently. The
// output length depends on the input's value, not only on its length.
func encodeBase62(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n := new(big.Int).SetBytes(b)
	base := big.NewInt(int64(len(alphabet)))
	zero := big.NewInt(0)
	mod := new(big.Int)

	var out []byte
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		out = append(out, alphabet[mod.Int64()])
	}
	// Preserve leading zero bytes of the input as leading alphabet[0] runs.
	for _, leadZero := range b {
		if leadZero != 0 {
			break
		}
		out = append(out, alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) == 0 {
		return string(alphabet[0])
	}
	return string(out)
}
