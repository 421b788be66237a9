// Package cryptobox implements the session-at-rest encryption scheme:
// per-user keys derived from a single master key, authenticated symmetric
// encryption of session blobs, and content hashing for audit.
//
// The token format is Fernet (version 0x80, big-endian timestamp, 16-byte
// IV, AES-128-CBC with PKCS#7 padding, HMAC-SHA256, URL-safe base64), so
// blobs written by earlier deployments of the scheme stay readable.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/keyxmakerx/relay/internal/apperror"
)

const (
	// saltPrefix is concatenated with the decimal user id to salt key
	// derivation. Changing it invalidates every stored session.
	saltPrefix = "tg_forward_bot_"

	// iterations is the PBKDF2 round count.
	iterations = 100_000

	fernetVersion = 0x80
	ivSize        = aes.BlockSize
	macSize       = sha256.Size
	headerSize    = 1 + 8 + ivSize
)

// Box derives per-user keys from a master key and seals/opens session blobs.
// A Box is immutable and safe for concurrent use.
type Box struct {
	masterKey []byte
}

// New creates a Box seeded with the given master key.
func New(masterKey string) *Box {
	return &Box{masterKey: []byte(masterKey)}
}

// deriveKey produces the 32-byte Fernet key for a user: the first half
// signs, the second half encrypts.
func (b *Box) deriveKey(userID int64) []byte {
	salt := []byte(saltPrefix + strconv.FormatInt(userID, 10))
	return pbkdf2.Key(b.masterKey, salt, iterations, 32, sha256.New)
}

// Encrypt seals plaintext under the user's derived key. The result is a
// URL-safe base64 token.
func (b *Box) Encrypt(userID int64, plaintext []byte) ([]byte, error) {
	key := b.deriveKey(userID)
	signKey, encKey := key[:16], key[16:]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	token := make([]byte, headerSize+len(padded), headerSize+len(padded)+macSize)
	token[0] = fernetVersion
	binary.BigEndian.PutUint64(token[1:9], uint64(time.Now().Unix()))
	copy(token[9:headerSize], iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(token[headerSize:], padded)

	mac := hmac.New(sha256.New, signKey)
	mac.Write(token)
	token = mac.Sum(token)

	out := make([]byte, base64.URLEncoding.EncodedLen(len(token)))
	base64.URLEncoding.Encode(out, token)
	return out, nil
}

// Decrypt opens a token sealed by Encrypt for the same user. A token sealed
// for a different user, or modified in any way, fails the HMAC check and
// returns a crypto-tampered error -- garbage is never returned.
func (b *Box) Decrypt(userID int64, ciphertext []byte) ([]byte, error) {
	token := make([]byte, base64.URLEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.URLEncoding.Decode(token, ciphertext)
	if err != nil {
		return nil, apperror.NewCryptoTampered(fmt.Errorf("decoding token: %w", err))
	}
	token = token[:n]

	if len(token) < headerSize+macSize || token[0] != fernetVersion {
		return nil, apperror.NewCryptoTampered(fmt.Errorf("malformed token"))
	}
	if (len(token)-headerSize-macSize)%aes.BlockSize != 0 {
		return nil, apperror.NewCryptoTampered(fmt.Errorf("malformed token"))
	}

	key := b.deriveKey(userID)
	signKey, encKey := key[:16], key[16:]

	body, tag := token[:len(token)-macSize], token[len(token)-macSize:]
	mac := hmac.New(sha256.New, signKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, apperror.NewCryptoTampered(fmt.Errorf("hmac mismatch"))
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	iv := body[9:headerSize]
	padded := make([]byte, len(body)-headerSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, body[headerSize:])

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, apperror.NewCryptoTampered(err)
	}
	return plaintext, nil
}

// Hash returns the hex-encoded SHA-256 of data. Used for audit trails,
// never for decryption.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// pkcs7Pad appends PKCS#7 padding up to blockSize.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad strips and validates PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, p := range data[len(data)-padLen:] {
		if int(p) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
