// Package hashlock holds the hash commitment shared by both legs of a swap:
// the 32 byte secret x, its SHA-256 image H(x), and the encodings each
// ledger expects for them.
package hashlock

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/stellar/go/strkey"
)

// Size is the byte length of both a Hash and a Preimage.
const Size = sha256.Size

var (
	// ErrInvalidHash is returned when a string is not a hex encoded 32 byte
	// hash.
	ErrInvalidHash = errors.New("hash must be 32 bytes hex encoded")
	// ErrInvalidPreimage is returned when a string is not a hex encoded 32
	// byte secret.
	ErrInvalidPreimage = errors.New("preimage must be 32 bytes hex encoded")
	// ErrInvalidSigner ...
	ErrInvalidSigner = errors.New("not a valid hash-x signer address")
)

// Hash is the commitment H(x).
type Hash [Size]byte

// Preimage is the secret x.
type Preimage [Size]byte

// NewSecret draws a random preimage and returns it with its hash.
func NewSecret() (Preimage, Hash, error) {
	var p Preimage
	if _, err := rand.Read(p[:]); err != nil {
		return Preimage{}, Hash{}, fmt.Errorf("reading random secret: %w", err)
	}
	return p, p.Hash(), nil
}

// Sha256 returns the SHA-256 digest of b as a Hash.
func Sha256(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// ParseHash decodes a 64 chars hex string, with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	b, err := decodeHex32(s)
	if err != nil {
		return Hash{}, ErrInvalidHash
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// ParsePreimage decodes a 64 chars hex string, with or without 0x prefix.
func ParsePreimage(s string) (Preimage, error) {
	b, err := decodeHex32(s)
	if err != nil {
		return Preimage{}, ErrInvalidPreimage
	}
	var p Preimage
	copy(p[:], b)
	return p, nil
}

// IsSha256Hash tells whether s is a well formed hex encoded hash.
func IsSha256Hash(s string) bool {
	_, err := decodeHex32(s)
	return err == nil
}

// ParseStellarSigner decodes a hash-x signer address (X...) into the hash it
// commits to.
func ParseStellarSigner(s string) (Hash, error) {
	b, err := strkey.Decode(strkey.VersionByteHashX, s)
	if err != nil || len(b) != Size {
		return Hash{}, ErrInvalidSigner
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func (h Hash) Bytes() []byte { return h[:] }

// String returns the plain hex form used in trade documents.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Hex returns the 0x prefixed form used by Ethereum clients.
func (h Hash) Hex() string { return "0x" + h.String() }

func (h Hash) IsZero() bool { return h == Hash{} }

// Verify tells whether preimage hashes to h.
func (h Hash) Verify(preimage []byte) bool {
	d := sha256.Sum256(preimage)
	return bytes.Equal(d[:], h[:])
}

// StellarSigner returns the strkey encoded hash-x signer for h. A Stellar
// account with this signer accepts the preimage itself as a signature.
func (h Hash) StellarSigner() string {
	return strkey.MustEncode(strkey.VersionByteHashX, h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (p Preimage) Bytes() []byte { return p[:] }

func (p Preimage) String() string { return hex.EncodeToString(p[:]) }

func (p Preimage) Hex() string { return "0x" + p.String() }

func (p Preimage) IsZero() bool { return p == Preimage{} }

// Hash returns H(x).
func (p Preimage) Hash() Hash { return Sha256(p[:]) }

func (p Preimage) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Preimage) UnmarshalText(text []byte) error {
	parsed, err := ParsePreimage(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func decodeHex32(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*Size {
		return nil, fmt.Errorf("invalid length %d", len(s))
	}
	return hex.DecodeString(s)
}
