package megolm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/util/memzero"
)

const (
	messageVersion = 3
	macLength      = 8

	indexTag      = 0x08
	ciphertextTag = 0x12

	aesKeyLength = 32
	macKeyLength = 32
	ivLength     = aes.BlockSize
)

var (
	// ErrBadMessage is returned for messages that fail to parse.
	ErrBadMessage = errors.New("megolm: bad message")

	// ErrBadSignature is returned when a message signature does not verify.
	ErrBadSignature = errors.New("megolm: bad message signature")

	// ErrBadMAC is returned when a message MAC does not match.
	ErrBadMAC = errors.New("megolm: bad message mac")
)

// Encrypt seals plaintext at the session's current index and advances the
// ratchet.
func Encrypt(s *types.OutboundGroupSession, plaintext []byte) (string, error) {
	aesKey, macKey, iv := messageKeys(s.Ratchet)
	defer memzero.Zero(aesKey, macKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", err
	}
	padded := pad(plaintext)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := []byte{messageVersion, indexTag}
	out = binary.AppendUvarint(out, uint64(s.Ratchet.Counter))
	out = append(out, ciphertextTag)
	out = binary.AppendUvarint(out, uint64(len(ct)))
	out = append(out, ct...)
	out = append(out, truncatedMAC(macKey, out)...)
	out = append(out, crypto.SignEd25519(s.SigningKey, out)...)

	Advance(&s.Ratchet)
	return crypto.B64(out), nil
}

// Decrypt opens message with an inbound session and returns the plaintext and
// the message index. The session itself is not modified.
func Decrypt(s types.InboundGroupSession, message string) ([]byte, uint32, error) {
	raw, err := crypto.UnB64(message)
	if err != nil || len(raw) < 1+macLength+signatureLength {
		return nil, 0, ErrBadMessage
	}
	signed := raw[:len(raw)-signatureLength]
	if !crypto.VerifyEd25519(s.SigningKey, signed, raw[len(signed):]) {
		return nil, 0, ErrBadSignature
	}
	body := signed[:len(signed)-macLength]
	index, ct, err := parseBody(body)
	if err != nil {
		return nil, 0, err
	}
	if index < s.FirstKnownIndex || index < s.Ratchet.Counter {
		return nil, index, ErrUnknownMessageIndex
	}

	r := s.Ratchet
	AdvanceTo(&r, index)
	aesKey, macKey, iv := messageKeys(r)
	defer memzero.Zero(aesKey, macKey)

	if !hmac.Equal(truncatedMAC(macKey, body), signed[len(body):]) {
		return nil, index, ErrBadMAC
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, index, ErrBadMessage
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, index, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	pt, err = unpad(pt)
	if err != nil {
		return nil, index, err
	}
	return pt, index, nil
}

// MessageIndex reads the index of message without verifying it.
func MessageIndex(message string) (uint32, error) {
	raw, err := crypto.UnB64(message)
	if err != nil || len(raw) < 1+macLength+signatureLength {
		return 0, ErrBadMessage
	}
	index, _, err := parseBody(raw[:len(raw)-signatureLength-macLength])
	return index, err
}

func parseBody(body []byte) (uint32, []byte, error) {
	if len(body) < 1 || body[0] != messageVersion {
		return 0, nil, ErrBadMessage
	}
	var (
		index    uint64
		ct       []byte
		hasIndex bool
	)
	rest := body[1:]
	for len(rest) > 0 {
		tag := rest[0]
		rest = rest[1:]
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return 0, nil, ErrBadMessage
		}
		rest = rest[n:]
		switch tag {
		case indexTag:
			if v > uint64(^uint32(0)) {
				return 0, nil, ErrBadMessage
			}
			index, hasIndex = v, true
		case ciphertextTag:
			if v > uint64(len(rest)) {
				return 0, nil, ErrBadMessage
			}
			ct, rest = rest[:v], rest[v:]
		default:
			return 0, nil, ErrBadMessage
		}
	}
	if !hasIndex || ct == nil {
		return 0, nil, ErrBadMessage
	}
	return uint32(index), ct, nil
}

// messageKeys derives the AES key, MAC key and IV for the ratchet's index.
func messageKeys(r types.MegolmRatchet) (aesKey, macKey, iv []byte) {
	secret := ratchetBytes(r)
	defer memzero.Zero(secret)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("MEGOLM_KEYS"))
	aesKey = make([]byte, aesKeyLength)
	macKey = make([]byte, macKeyLength)
	iv = make([]byte, ivLength)
	_, _ = io.ReadFull(kdf, aesKey)
	_, _ = io.ReadFull(kdf, macKey)
	_, _ = io.ReadFull(kdf, iv)
	return aesKey, macKey, iv
}

func truncatedMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:macLength]
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrBadMessage
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadMessage
		}
	}
	return b[:len(b)-n], nil
}
