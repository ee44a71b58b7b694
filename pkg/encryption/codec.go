// Package encryption seals personal identifiers and reservation flags before
// they reach storage. Tokens have the form base64(iv):base64(ciphertext).
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidKey = errors.New("encryption key must be 16, 24 or 32 bytes")

// DecryptionError is returned for any token that cannot be opened with the
// configured key. Reason never contains plaintext.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

type Codec struct {
	block cipher.Block
}

func NewCodec(key string) (*Codec, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Codec{block: block}, nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *Codec) Decrypt(token string) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return "", &DecryptionError{Reason: "token is not in iv:ciphertext form"}
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptionError{Reason: "iv is not base64", Err: err}
	}
	if len(iv) != aes.BlockSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("iv has %d bytes", len(iv))}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Reason: "ciphertext is not base64", Err: err}
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", &DecryptionError{Reason: "ciphertext is not a whole number of blocks"}
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := unpad(plain, aes.BlockSize)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid padding, wrong key or corrupted data", Err: err}
	}
	return string(unpadded), nil
}

func (c *Codec) EncryptBool(value bool) (string, error) {
	if value {
		return c.Encrypt("1")
	}
	return c.Encrypt("0")
}

func (c *Codec) DecryptBool(token string) (bool, error) {
	text, err := c.Decrypt(token)
	if err != nil {
		return false, err
	}
	switch text {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, &DecryptionError{Reason: "flag is neither 1 nor 0"}
	}
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("bad padding length")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("bad padding bytes")
		}
	}
	return data[:len(data)-n], nil
}
