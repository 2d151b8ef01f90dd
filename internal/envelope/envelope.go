// Package envelope seals payloads exchanged between propagator nodes.
//
// An envelope is base64(IV || ciphertext || tag): AES-256-CBC with PKCS#7
// padding under SHA-256(secret), authenticated by HMAC-SHA256 over
// IV || ciphertext under SHA-256(secret || "|mac").
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	ivSize  = aes.BlockSize
	tagSize = sha256.Size
)

var (
	// ErrAuthentication is returned by Open for any envelope that cannot be
	// verified and decrypted. Causes are deliberately not distinguished.
	ErrAuthentication = errors.New("envelope authentication failed")

	// ErrEmptySecret is returned by Seal when no shared secret is configured.
	ErrEmptySecret = errors.New("envelope secret is empty")
)

var encoding = base64.StdEncoding.Strict()

// Seal encrypts and authenticates plaintext under secret.
func Seal(plaintext []byte, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	cipherKey, macKey := deriveKeys(secret)

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	padded := pad(plaintext)
	out := make([]byte, ivSize+len(padded), ivSize+len(padded)+tagSize)
	iv := out[:ivSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	out = append(out, sign(macKey, out)...)
	return encoding.EncodeToString(out), nil
}

// Open verifies and decrypts an envelope produced by Seal.
func Open(envelope, secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrAuthentication
	}
	raw, err := encoding.DecodeString(envelope)
	if err != nil {
		return nil, ErrAuthentication
	}
	if len(raw) <= ivSize+tagSize {
		return nil, ErrAuthentication
	}

	cipherKey, macKey := deriveKeys(secret)
	body, tag := raw[:len(raw)-tagSize], raw[len(raw)-tagSize:]
	if !hmac.Equal(tag, sign(macKey, body)) {
		return nil, ErrAuthentication
	}

	ciphertext := body[ivSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrAuthentication
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, ErrAuthentication
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, body[:ivSize]).CryptBlocks(plain, ciphertext)

	plain, ok := unpad(plain)
	if !ok {
		return nil, ErrAuthentication
	}
	return plain, nil
}

func deriveKeys(secret string) (cipherKey, macKey []byte) {
	c := sha256.Sum256([]byte(secret))
	m := sha256.Sum256([]byte(secret + "|mac"))
	return c[:], m[:]
}

func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
