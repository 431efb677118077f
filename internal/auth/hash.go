package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2Algorithm = "argon2id"

// Params controls the argon2id work factor used for new salts.
type Params struct {
	Time       uint32 // Number of passes over memory
	Memory     uint32 // Memory in KiB
	Threads    uint8
	KeyLength  uint32
	SaltLength uint32
}

// DefaultParams returns the work factor used when nothing is configured:
// one pass over 64 MiB with 4 lanes, 32-byte keys and 16-byte salts.
func DefaultParams() Params {
	return Params{
		Time:       1,
		Memory:     64 * 1024,
		Threads:    4,
		KeyLength:  32,
		SaltLength: 16,
	}
}

// MalformedHashError is returned when a salt or hash string can not be parsed.
type MalformedHashError struct {
	Reason string
}

func (e *MalformedHashError) Error() string {
	return "malformed hash: " + e.Reason
}

// Hasher salts, hashes and verifies secrets with argon2id.
//
// Salts are encoded together with their work factor, the way bcrypt salts
// carry their cost:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<base64 salt>
//
// and a hash is the salt followed by the base64 derived key, which makes it a
// standard PHC string. Verification only needs the hash.
type Hasher struct {
	params Params
	random io.Reader
}

// NewHasher creates a hasher producing salts with the given work factor.
func NewHasher(params Params) *Hasher {
	defaults := DefaultParams()
	if params.Time == 0 {
		params.Time = defaults.Time
	}
	if params.Memory == 0 {
		params.Memory = defaults.Memory
	}
	if params.Threads == 0 {
		params.Threads = defaults.Threads
	}
	if params.KeyLength == 0 {
		params.KeyLength = defaults.KeyLength
	}
	if params.SaltLength == 0 {
		params.SaltLength = defaults.SaltLength
	}
	return &Hasher{params: params, random: rand.Reader}
}

// GenerateSalt returns a fresh random salt carrying the hasher's work factor.
func (h *Hasher) GenerateSalt() (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(h.random, salt); err != nil {
		return "", fmt.Errorf("failed to read random salt: %w", err)
	}
	return encodeSalt(h.params, salt), nil
}

// Hash derives the hash of secret under salt. The same inputs always produce
// the same output.
func (h *Hasher) Hash(secret, salt string) (string, error) {
	params, raw, err := parseSalt(salt)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(secret), raw, params.Time, params.Memory, params.Threads, h.params.KeyLength)
	return salt + "$" + base64.RawStdEncoding.EncodeToString(key), nil
}

// Verify reports whether secret hashes to hashed under the salt embedded in
// hashed. The derived keys are compared in constant time.
func (h *Hasher) Verify(secret, hashed string) (bool, error) {
	salt, expected, err := SplitHash(hashed)
	if err != nil {
		return false, err
	}
	params, raw, err := parseSalt(salt)
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(expected)
	if err != nil || len(want) == 0 {
		return false, &MalformedHashError{Reason: "invalid key encoding"}
	}

	got := argon2.IDKey([]byte(secret), raw, params.Time, params.Memory, params.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// SplitHash separates a hash string into its salt and encoded key parts.
func SplitHash(hashed string) (salt, key string, err error) {
	i := strings.LastIndex(hashed, "$")
	if i <= 0 || i == len(hashed)-1 {
		return "", "", &MalformedHashError{Reason: "missing key segment"}
	}
	return hashed[:i], hashed[i+1:], nil
}

func encodeSalt(p Params, salt []byte) string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s",
		argon2Algorithm, argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt))
}

func parseSalt(salt string) (Params, []byte, error) {
	var p Params

	parts := strings.Split(salt, "$")
	if len(parts) != 5 || parts[0] != "" {
		return p, nil, &MalformedHashError{Reason: "unexpected number of segments"}
	}
	if parts[1] != argon2Algorithm {
		return p, nil, &MalformedHashError{Reason: "unsupported algorithm " + parts[1]}
	}

	var version int
	// Sscanf stops at the last verb, so the segment must re-encode exactly.
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || parts[2] != fmt.Sprintf("v=%d", version) {
		return p, nil, &MalformedHashError{Reason: "invalid version segment"}
	}
	if version != argon2.Version {
		return p, nil, &MalformedHashError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads)
	if err != nil || parts[3] != fmt.Sprintf("m=%d,t=%d,p=%d", p.Memory, p.Time, p.Threads) {
		return p, nil, &MalformedHashError{Reason: "invalid parameter segment"}
	}
	// argon2.IDKey panics on these.
	if p.Time < 1 || p.Threads < 1 || p.Memory < 8*uint32(p.Threads) {
		return p, nil, &MalformedHashError{Reason: "parameters out of range"}
	}

	raw, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(raw) == 0 {
		return p, nil, &MalformedHashError{Reason: "invalid salt encoding"}
	}
	p.SaltLength = uint32(len(raw))

	return p, raw, nil
}
