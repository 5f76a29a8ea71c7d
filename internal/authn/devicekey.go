package authn

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	saltLen = 16
	hashLen = 64

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

var ErrDeviceKeyMismatch = errors.New("authn: device key mismatch")

// HashDeviceKey returns hex(salt):hex(scrypt(key, salt)).
func HashDeviceKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("authn: empty device key")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum, err := scrypt.Key([]byte(key), salt, scryptN, scryptR, scryptP, hashLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
}

// VerifyDeviceKey checks key against a value produced by HashDeviceKey.
func VerifyDeviceKey(key, stored string) error {
	saltHex, sumHex, ok := strings.Cut(stored, ":")
	if !ok {
		return ErrDeviceKeyMismatch
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return ErrDeviceKeyMismatch
	}
	want, err := hex.DecodeString(sumHex)
	if err != nil || len(want) != hashLen {
		return ErrDeviceKeyMismatch
	}
	got, err := scrypt.Key([]byte(key), salt, scryptN, scryptR, scryptP, hashLen)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrDeviceKeyMismatch
	}
	return nil
}
