// Copyright 2021-2022 The ssemq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package credential derives and verifies PBKDF2 publish credentials.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/alwitt/ssemq/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Algorithm is the PHC algorithm identifier of the derivation
	Algorithm = "pbkdf2-sha256"
	// KeyLength is the derived key length in bytes
	KeyLength = 32
	// DefaultIterations is the iteration count used by HashPassword
	DefaultIterations = 4096
	// MinIterations is the smallest supported iteration count
	MinIterations = 1000
	// MaxIterations is the largest supported iteration count
	MaxIterations = 10000000
	// MinSaltLength is the smallest supported salt in bytes
	MinSaltLength = 4
	// MaxSaltLength is the largest supported salt in bytes; it encodes to a 64 char PHC salt
	MaxSaltLength = 48
)

// b64 is the PHC B64 encoding: standard alphabet, no padding
var b64 = base64.RawStdEncoding

// Record is one stored password verifier
type Record struct {
	// Salt is the derivation salt
	Salt []byte
	// Hash is the derived key
	Hash []byte
	// Iterations is the PBKDF2 iteration count
	Iterations int
}

// validateParams checks the derivation parameters are in supported range
func validateParams(salt []byte, iterations int) error {
	if len(salt) < MinSaltLength || len(salt) > MaxSaltLength {
		return common.NewError(
			common.CredentialError, nil,
			"salt length %d outside [%d, %d]", len(salt), MinSaltLength, MaxSaltLength,
		)
	}
	if iterations < MinIterations || iterations > MaxIterations {
		return common.NewError(
			common.CredentialError, nil,
			"iteration count %d outside [%d, %d]", iterations, MinIterations, MaxIterations,
		)
	}
	return nil
}

// Derive derives a key from secret with PBKDF2-HMAC-SHA256
func Derive(secret string, salt []byte, iterations int) ([]byte, error) {
	if err := validateParams(salt, iterations); err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, KeyLength, sha256.New), nil
}

// Verify checks whether secret produced the record.
//
// A false result with a nil error is a plain mismatch. A non-nil error means the record itself
// is unusable.
func Verify(secret string, record Record) (bool, error) {
	if len(record.Hash) == 0 {
		return false, common.NewError(common.CredentialError, nil, "record has no hash")
	}
	if err := validateParams(record.Salt, record.Iterations); err != nil {
		return false, err
	}
	derived := pbkdf2.Key(
		[]byte(secret), record.Salt, record.Iterations, len(record.Hash), sha256.New,
	)
	return subtle.ConstantTimeCompare(derived, record.Hash) == 1, nil
}

// NewRecord derive a new Record for secret
func NewRecord(secret string, salt []byte, iterations int) (Record, error) {
	hash, err := Derive(secret, salt, iterations)
	if err != nil {
		return Record{}, err
	}
	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)
	return Record{Salt: saltCopy, Hash: hash, Iterations: iterations}, nil
}

// HashPassword derive a record for secret and salt with the default iteration count, and
// return it as a PHC string
func HashPassword(secret, salt string) (string, error) {
	record, err := NewRecord(secret, []byte(salt), DefaultIterations)
	if err != nil {
		return "", err
	}
	return record.String(), nil
}

// String returns the PHC string form of the record
//
//	$pbkdf2-sha256$i=<iterations>,l=<key length>$<salt>$<hash>
func (r Record) String() string {
	return fmt.Sprintf(
		"$%s$i=%d,l=%d$%s$%s",
		Algorithm, r.Iterations, len(r.Hash), b64.EncodeToString(r.Salt), b64.EncodeToString(r.Hash),
	)
}

// ParseRecord parse a PHC string into a Record
func ParseRecord(phc string) (Record, error) {
	parts := strings.Split(phc, "$")
	// Leading "$" produces an empty first element
	if len(parts) != 5 || parts[0] != "" {
		return Record{}, common.NewError(common.CredentialError, nil, "malformed PHC string")
	}
	if parts[1] != Algorithm {
		return Record{}, common.NewError(
			common.CredentialError, nil, "unsupported algorithm '%s'", parts[1],
		)
	}
	record := Record{}
	keyLength := KeyLength
	for _, param := range strings.Split(parts[2], ",") {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 {
			return Record{}, common.NewError(
				common.CredentialError, nil, "malformed PHC parameter '%s'", param,
			)
		}
		value, err := strconv.Atoi(kv[1])
		if err != nil {
			return Record{}, common.NewError(
				common.CredentialError, err, "non-numeric PHC parameter '%s'", param,
			)
		}
		switch kv[0] {
		case "i":
			record.Iterations = value
		case "l":
			keyLength = value
		default:
			return Record{}, common.NewError(
				common.CredentialError, nil, "unknown PHC parameter '%s'", kv[0],
			)
		}
	}
	if keyLength < 16 || keyLength > 64 {
		return Record{}, common.NewError(
			common.CredentialError, nil, "key length %d outside [16, 64]", keyLength,
		)
	}
	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return Record{}, common.NewError(common.CredentialError, err, "salt is not valid B64")
	}
	hash, err := b64.DecodeString(parts[4])
	if err != nil {
		return Record{}, common.NewError(common.CredentialError, err, "hash is not valid B64")
	}
	if len(hash) != keyLength {
		return Record{}, common.NewError(
			common.CredentialError, nil, "hash length %d does not match l=%d", len(hash), keyLength,
		)
	}
	if err := validateParams(salt, record.Iterations); err != nil {
		return Record{}, err
	}
	record.Salt = salt
	record.Hash = hash
	return record, nil
}
