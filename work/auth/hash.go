package auth

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// ErrUnsupportedHash is returned for stored hashes in a format we cannot verify
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// werkzeug's generate_password_hash defaults, used when a stored hash omits them
const (
	defaultPBKDF2Iterations = 600000
	defaultScryptN          = 32768
	defaultScryptR          = 8
	defaultScryptP          = 1
	scryptKeyLen            = 64
)

// VerifyPassword checks password against a stored hash. Supported formats:
//
//	$2a$/$2b$/$2y$...                  bcrypt
//	pbkdf2:sha256[:iterations]$salt$hex werkzeug pbkdf2
//	scrypt[:n:r:p]$salt$hex             werkzeug scrypt
//
// A false result with a nil error is a plain mismatch.
func VerifyPassword(stored, password string) (bool, error) {
	if strings.HasPrefix(stored, "$2") {
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	}

	method, salt, digest, ok := splitWerkzeug(stored)
	if !ok {
		return false, ErrUnsupportedHash
	}
	want, err := hex.DecodeString(digest)
	if err != nil || len(want) == 0 {
		return false, ErrUnsupportedHash
	}

	got, err := deriveWerkzeug(method, salt, password)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func splitWerkzeug(stored string) (method, salt, digest string, ok bool) {
	parts := strings.SplitN(stored, "$", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func deriveWerkzeug(method, salt, password string) ([]byte, error) {
	fields := strings.Split(method, ":")
	switch fields[0] {
	case "pbkdf2":
		hashName := "sha256"
		iterations := defaultPBKDF2Iterations
		if len(fields) > 1 && fields[1] != "" {
			hashName = fields[1]
		}
		if len(fields) > 2 {
			n, err := strconv.Atoi(fields[2])
			if err != nil || n <= 0 {
				return nil, ErrUnsupportedHash
			}
			iterations = n
		}
		h, size := hashByName(hashName)
		if h == nil {
			return nil, ErrUnsupportedHash
		}
		return pbkdf2.Key([]byte(password), []byte(salt), iterations, size, h), nil

	case "scrypt":
		n, r, p := defaultScryptN, defaultScryptR, defaultScryptP
		if len(fields) == 4 {
			var err error
			if n, err = strconv.Atoi(fields[1]); err != nil {
				return nil, ErrUnsupportedHash
			}
			if r, err = strconv.Atoi(fields[2]); err != nil {
				return nil, ErrUnsupportedHash
			}
			if p, err = strconv.Atoi(fields[3]); err != nil {
				return nil, ErrUnsupportedHash
			}
		} else if len(fields) != 1 {
			return nil, ErrUnsupportedHash
		}
		key, err := scrypt.Key([]byte(password), []byte(salt), n, r, p, scryptKeyLen)
		if err != nil {
			return nil, ErrUnsupportedHash
		}
		return key, nil
	}
	return nil, ErrUnsupportedHash
}

func hashByName(name string) (func() hash.Hash, int) {
	switch name {
	case "sha1":
		return sha1.New, sha1.Size
	case "sha256":
		return sha256.New, sha256.Size
	case "sha512":
		return sha512.New, sha512.Size
	}
	return nil, 0
}
