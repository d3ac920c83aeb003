package account

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Password length bounds. The upper bound keeps a single login request from
// feeding megabytes into the KDF.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// PasswordPolicy hashes, verifies and strength-checks passwords.
type PasswordPolicy interface {
	// Hash produces an encoded hash of password.
	Hash(password string) (string, error)
	// Verify returns (true, nil) on match, (false, nil) on mismatch and an
	// error when the encoded hash cannot be parsed.
	Verify(password, encodedHash string) (bool, error)
	// NeedsUpgrade reports whether encodedHash was produced by an older
	// algorithm or weaker parameters.
	NeedsUpgrade(encodedHash string) bool
	// Check returns the reasons password is rejected, empty when accepted.
	// related holds account attributes the password must not resemble.
	Check(password string, related ...string) []string
}

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2Params follow the OWASP argon2id recommendation.
var DefaultArgon2Params = Argon2Params{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

var errInvalidHash = errors.New("invalid password hash")

// commonPasswords is a short deny list of the most frequently leaked
// passwords that still satisfy the length rule.
var commonPasswords = func() map[string]struct{} {
	list := []string{
		"password", "password1", "password123", "passw0rd",
		"12345678", "123456789", "1234567890", "11111111", "00000000",
		"qwerty123", "qwertyuiop", "1q2w3e4r", "abc12345", "abcd1234",
		"iloveyou", "sunshine", "football", "baseball", "princess",
		"superman", "trustno1", "welcome1", "letmein1", "admin123",
	}
	set := make(map[string]struct{}, len(list))
	for _, p := range list {
		set[p] = struct{}{}
	}
	return set
}()

// Argon2idPolicy is the default PasswordPolicy. New hashes use argon2id in
// PHC string format; bcrypt hashes are still accepted for verification and
// reported as needing an upgrade.
type Argon2idPolicy struct {
	params Argon2Params
}

func NewArgon2idPolicy(params Argon2Params) *Argon2idPolicy {
	if params.Time == 0 {
		params.Time = DefaultArgon2Params.Time
	}
	if params.Memory == 0 {
		params.Memory = DefaultArgon2Params.Memory
	}
	if params.Threads == 0 {
		params.Threads = DefaultArgon2Params.Threads
	}
	if params.SaltLen <= 0 {
		params.SaltLen = DefaultArgon2Params.SaltLen
	}
	if params.KeyLen == 0 {
		params.KeyLen = DefaultArgon2Params.KeyLen
	}
	return &Argon2idPolicy{params: params}
}

func (p *Argon2idPolicy) Hash(password string) (string, error) {
	if password == "" {
		return "", oops.Code("PASSWORD_EMPTY").Errorf("password cannot be empty")
	}

	salt := make([]byte, p.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("PASSWORD_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, p.params.Time, p.params.Memory, p.params.Threads, p.params.KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.params.Memory,
		p.params.Time,
		p.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (p *Argon2idPolicy) Verify(password, encodedHash string) (bool, error) {
	if isBcrypt(encodedHash) {
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, oops.Code("PASSWORD_HASH_INVALID").Wrap(err)
	}

	params, salt, key, err := decodeArgon2id(encodedHash)
	if err != nil {
		return false, oops.Code("PASSWORD_HASH_INVALID").Wrap(err)
	}

	computed := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}

func (p *Argon2idPolicy) NeedsUpgrade(encodedHash string) bool {
	if !strings.HasPrefix(encodedHash, "$argon2id$") {
		return true
	}
	params, _, _, err := decodeArgon2id(encodedHash)
	if err != nil {
		return true
	}
	return params.Memory < p.params.Memory || params.Time < p.params.Time
}

func (p *Argon2idPolicy) Check(password string, related ...string) []string {
	var problems []string

	if len(password) < MinPasswordLength {
		problems = append(problems, fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > MaxPasswordLength {
		problems = append(problems, fmt.Sprintf("password must be at most %d characters", MaxPasswordLength))
	}
	if password != "" && strings.IndexFunc(password, func(r rune) bool { return !unicode.IsDigit(r) }) == -1 {
		problems = append(problems, "password cannot be entirely numeric")
	}
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		problems = append(problems, "password is too common")
	}

	lowered := strings.ToLower(password)
	for _, attr := range related {
		attr = strings.ToLower(strings.TrimSpace(attr))
		if attr == "" {
			continue
		}
		local, _, _ := strings.Cut(attr, "@")
		if lowered == attr || (len(local) >= 3 && lowered == local) {
			problems = append(problems, "password is too similar to the account details")
			break
		}
	}

	return problems
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

func decodeArgon2id(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, errInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2Params{}, nil, nil, err
	}
	if version != argon2.Version {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: unsupported argon2 version %d", errInvalidHash, version)
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return Argon2Params{}, nil, nil, err
	}
	if threads == 0 || threads > 255 {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: threads out of range", errInvalidHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, err
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Argon2Params{}, nil, nil, err
	}
	if len(key) == 0 || len(key) > 1024 {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: key length out of range", errInvalidHash)
	}

	return Argon2Params{
		Time:    iterations,
		Memory:  memory,
		Threads: uint8(threads),
		SaltLen: len(salt),
		KeyLen:  uint32(len(key)),
	}, salt, key, nil
}
