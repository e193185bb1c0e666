// Package decryptor handles AES-128 decryption of HLS segments.
package decryptor

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mohaanymo/m3u8keeper/internal/httpclient"
	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

var (
	errBlockSize = errors.New("ciphertext not multiple of block size")
	errPadding   = errors.New("invalid PKCS#7 padding")
)

// HLSDecryptor decrypts AES-128-CBC segments.
//
// Decrypt is lenient: when decryption fails it logs the failure and returns
// the input unchanged, so one bad segment does not abort the whole job.
// Callers that need strict behavior use DecryptStrict.
type HLSDecryptor struct {
	log logger.Logger
}

// New creates a new HLS decryptor. A nil logger discards failures.
func New(log logger.Logger) *HLSDecryptor {
	if log == nil {
		log = logger.Nop()
	}
	return &HLSDecryptor{log: log}
}

// Decrypt decrypts one segment. With no key the data is returned unchanged.
// An explicit iv is used as-is; otherwise the IV is derived from segmentIndex.
func (d *HLSDecryptor) Decrypt(data, key, iv []byte, segmentIndex int) []byte {
	if len(key) == 0 {
		return data
	}
	plain, err := DecryptStrict(data, key, iv, segmentIndex)
	if err != nil {
		d.log.Warnf("segment %d: %v, keeping undecrypted bytes", segmentIndex, err)
		return data
	}
	return plain
}

// DecryptStrict is Decrypt without the fallback: failures return a CryptoError.
func DecryptStrict(data, key, iv []byte, segmentIndex int) ([]byte, error) {
	if len(key) == 0 {
		return data, nil
	}

	mode, err := newMode(key, iv, segmentIndex, false)
	if err != nil {
		return nil, cryptoError(segmentIndex, err)
	}

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, cryptoError(segmentIndex, errBlockSize)
	}

	decrypted := make([]byte, len(data))
	mode.CryptBlocks(decrypted, data)

	decrypted, err = pkcs7Unpad(decrypted)
	if err != nil {
		return nil, cryptoError(segmentIndex, err)
	}
	return decrypted, nil
}

// Encrypt is the inverse of DecryptStrict: PKCS#7 pad, then AES-CBC.
func Encrypt(plain, key, iv []byte, segmentIndex int) ([]byte, error) {
	mode, err := newMode(key, iv, segmentIndex, true)
	if err != nil {
		return nil, cryptoError(segmentIndex, err)
	}

	padded := pkcs7Pad(plain)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out, nil
}

func newMode(key, iv []byte, segmentIndex int, encrypt bool) (cipher.BlockMode, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(iv) == 0 {
		iv = SegmentIV(segmentIndex)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length: %d", len(iv))
	}

	if encrypt {
		return cipher.NewCBCEncrypter(block, iv), nil
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

func cryptoError(segmentIndex int, err error) error {
	return models.NewError(models.ErrCrypto, fmt.Sprintf("decrypt segment %d", segmentIndex), "", err)
}

// ParseIV parses a hex-encoded IV string (from #EXT-X-KEY IV attribute).
// Format: 0x... or plain hex string. Short values are left-padded with zeros.
func ParseIV(ivStr string) ([]byte, error) {
	ivStr = strings.Trim(strings.TrimSpace(ivStr), "\"")
	if ivStr == "" {
		return nil, nil
	}

	ivStr = strings.TrimPrefix(ivStr, "0x")
	ivStr = strings.TrimPrefix(ivStr, "0X")
	if len(ivStr)%2 == 1 {
		ivStr = "0" + ivStr
	}

	iv, err := hex.DecodeString(ivStr)
	if err != nil {
		return nil, fmt.Errorf("parse IV: %w", err)
	}
	if len(iv) > aes.BlockSize {
		return nil, fmt.Errorf("parse IV: %d bytes, want at most %d", len(iv), aes.BlockSize)
	}

	if len(iv) < aes.BlockSize {
		padded := make([]byte, aes.BlockSize)
		copy(padded[aes.BlockSize-len(iv):], iv)
		iv = padded
	}
	return iv, nil
}

// SegmentIV derives the implicit IV for a segment: the index as a big-endian
// uint32 in the low 4 bytes of an otherwise zero 16-byte buffer.
func SegmentIV(segmentIndex int) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[12:], uint32(segmentIndex))
	return iv
}

func pkcs7Pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// pkcs7Unpad removes PKCS7 padding from decrypted data.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, errPadding
	}
	for i := 0; i < padLen; i++ {
		if data[len(data)-1-i] != byte(padLen) {
			return nil, errPadding
		}
	}
	return data[:len(data)-padLen], nil
}

// KeyFetcher retrieves key bytes from a key URI. Keys are cached by URI.
type KeyFetcher struct {
	fetcher  httpclient.Fetcher
	log      logger.Logger
	keyCache map[string][]byte
	mu       sync.RWMutex
}

// NewKeyFetcher creates a KeyFetcher on top of f.
func NewKeyFetcher(f httpclient.Fetcher, log logger.Logger) *KeyFetcher {
	if log == nil {
		log = logger.Nop()
	}
	return &KeyFetcher{
		fetcher:  f,
		log:      log,
		keyCache: make(map[string][]byte),
	}
}

// FetchKey retrieves the decryption key from the given URI.
func (k *KeyFetcher) FetchKey(ctx context.Context, keyURI string) ([]byte, error) {
	k.mu.RLock()
	if key, ok := k.keyCache[keyURI]; ok {
		k.mu.RUnlock()
		return key, nil
	}
	k.mu.RUnlock()

	key, err := k.fetcher.GetBytes(ctx, keyURI)
	if err != nil {
		return nil, models.NewError(models.ErrFetch, "fetch key", keyURI, err)
	}

	switch len(key) {
	case 16, 24, 32:
	default:
		k.log.Warnf("key %s has unusual length %d; segments will likely stay encrypted", keyURI, len(key))
	}

	k.mu.Lock()
	k.keyCache[keyURI] = key
	k.mu.Unlock()

	return key, nil
}
