package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize  = 32
	ivSize   = 12
	tagSize  = 16
	hkdfInfo = "dmq credential vault v1"
)

// ErrTampered means the integrity tag did not verify or the persisted form is corrupt.
var ErrTampered = errors.New("vault: ciphertext failed integrity check")

// sealed is the persisted form, serialized as one opaque column.
type sealed struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher derives the AES-256 key from secret with HKDF-SHA256, so any high-entropy secret of
// at least 32 bytes can be configured.
func NewCipher(secret string) (*Cipher, error) {
	if len(strings.TrimSpace(secret)) < keySize {
		return nil, errors.New("vault: encryption secret must be at least 32 bytes")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, errors.Wrap(err, "vault: derive key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "vault: aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "vault: gcm")
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts plaintext with a fresh IV. aad binds the ciphertext to its owner row.
func (c *Cipher) Seal(plaintext, aad []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", errors.Wrap(err, "vault: read iv")
	}
	out := c.aead.Seal(nil, iv, plaintext, aad)
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]
	b, err := json.Marshal(sealed{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	})
	if err != nil {
		return "", errors.Wrap(err, "vault: encode")
	}
	return string(b), nil
}

// Open verifies the tag before returning plaintext. Every decode or verification
// failure is reported as ErrTampered.
func (c *Cipher) Open(persisted string, aad []byte) ([]byte, error) {
	var s sealed
	if err := json.Unmarshal([]byte(persisted), &s); err != nil {
		return nil, errors.Wrap(ErrTampered, "decode envelope")
	}
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil || len(iv) != ivSize {
		return nil, errors.Wrap(ErrTampered, "decode iv")
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(ErrTampered, "decode ciphertext")
	}
	tag, err := base64.StdEncoding.DecodeString(s.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, errors.Wrap(ErrTampered, "decode tag")
	}
	pt, err := c.aead.Open(nil, iv, append(ct, tag...), aad)
	if err != nil {
		return nil, ErrTampered
	}
	return pt, nil
}
