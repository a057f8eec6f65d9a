package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var ErrUnknownHashFormat = errors.New("unknown password hash format")

type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

var DefaultParams = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 2,
	KeyLen:  32,
	SaltLen: 16,
}

// Hasher produces argon2id PHC strings and verifies both argon2id and
// legacy bcrypt hashes.
type Hasher struct {
	params Argon2Params
}

func NewHasher(params Argon2Params) *Hasher {
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 || params.KeyLen == 0 || params.SaltLen == 0 {
		params = DefaultParams
	}
	return &Hasher{params: params}
}

func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Time, h.params.Threads,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

func (h *Hasher) Verify(password string, encoded string) (bool, error) {
	if isBcrypt(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	}

	parsed, err := parseArgon2(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.params.Time, parsed.params.Memory, parsed.params.Threads, parsed.params.KeyLen)

	return subtle.ConstantTimeCompare(parsed.key, computed) == 1, nil
}

// NeedsRehash reports whether encoded was produced by a legacy scheme or
// with weaker argon2 parameters than the hasher's.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	parsed, err := parseArgon2(encoded)
	if err != nil {
		return true
	}
	p := parsed.params
	return p.Memory < h.params.Memory ||
		p.Time < h.params.Time ||
		p.Threads < h.params.Threads ||
		p.KeyLen != h.params.KeyLen ||
		uint32(len(parsed.salt)) < h.params.SaltLen
}

// CheckAndReset verifies password against encoded and, when it matches a
// hash that NeedsRehash, hands a fresh hash to reset before returning.
func (h *Hasher) CheckAndReset(ctx context.Context, encoded string, password string, reset func(context.Context, string) error) (bool, error) {
	ok, err := h.Verify(password, encoded)
	if err != nil || !ok {
		return false, err
	}

	if !h.NeedsRehash(encoded) {
		return true, nil
	}

	rehashed, err := h.Hash(password)
	if err != nil {
		return false, err
	}
	if err := reset(ctx, rehashed); err != nil {
		return false, fmt.Errorf("store rehashed password: %w", err)
	}
	return true, nil
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

type argon2Hash struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func parseArgon2(encoded string) (argon2Hash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argon2Hash{}, ErrUnknownHashFormat
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return argon2Hash{}, fmt.Errorf("%w: argon2 version %q", ErrUnknownHashFormat, parts[2])
	}

	var out argon2Hash
	for _, pair := range strings.Split(parts[3], ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			return argon2Hash{}, fmt.Errorf("%w: parameter %q", ErrUnknownHashFormat, pair)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return argon2Hash{}, fmt.Errorf("%w: parameter %q", ErrUnknownHashFormat, pair)
		}
		switch k {
		case "m":
			out.params.Memory = uint32(n)
		case "t":
			out.params.Time = uint32(n)
		case "p":
			if n > 255 {
				return argon2Hash{}, fmt.Errorf("%w: parameter %q", ErrUnknownHashFormat, pair)
			}
			out.params.Threads = uint8(n)
		default:
			return argon2Hash{}, fmt.Errorf("%w: parameter %q", ErrUnknownHashFormat, pair)
		}
	}
	if out.params.Memory == 0 || out.params.Time == 0 || out.params.Threads == 0 {
		return argon2Hash{}, fmt.Errorf("%w: missing parameters", ErrUnknownHashFormat)
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return argon2Hash{}, fmt.Errorf("decode salt: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return argon2Hash{}, fmt.Errorf("decode hash: %w", err)
	}
	if len(key) == 0 {
		return argon2Hash{}, fmt.Errorf("%w: empty key", ErrUnknownHashFormat)
	}

	out.salt = salt
	out.key = key
	out.params.KeyLen = uint32(len(key))
	out.params.SaltLen = uint32(len(salt))
	return out, nil
}
