package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/util/memzero"
)

const (
	aeadKeySize  = 32
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

var (
	ErrSkippedKeyNotFound = errors.New("skipped message key not found")
	errChainUninitialised = errors.New("ratchet chain key is uninitialised")
	errBadHeader          = errors.New("ratchet header has no valid ratchet key")
)

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the peer's one-time key as its first ratchet public.
func InitAsInitiator(root []byte, peerRatchet types.X25519Public) (types.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return types.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerRatchet)
	if err != nil {
		return types.RatchetState{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return types.RatchetState{
		RootKey:                 newRK,
		DiffieHellmanPrivate:    priv,
		DiffieHellmanPublic:     pub,
		PeerDiffieHellmanPublic: peerRatchet,
		SendChainKey:            sendCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our one-time key
// and the sender's first ratchet public.
func InitAsResponder(
	root []byte,
	ourRatchet types.X25519Private,
	ourRatchetPub types.X25519Public,
	senderRatchetPub types.X25519Public,
) (types.RatchetState, error) {
	dh, err := crypto.DH(ourRatchet, senderRatchetPub)
	if err != nil {
		return types.RatchetState{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return types.RatchetState{
		RootKey:                 newRK,
		DiffieHellmanPrivate:    ourRatchet,
		DiffieHellmanPublic:     ourRatchetPub,
		PeerDiffieHellmanPublic: senderRatchetPub,
		ReceiveChainKey:         recvCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, stepping the DH ratchet on the
// first send after receiving.
func Encrypt(st *types.RatchetState, ad, plaintext []byte) (types.RatchetHeader, []byte, error) {
	if len(st.SendChainKey) == 0 {
		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return types.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDiffieHellmanPublic)
		if err != nil {
			return types.RatchetHeader{}, nil, err
		}
		rk2, sendCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.PreviousChainLength = st.SendMessageIndex
		st.SendMessageIndex = 0
		st.RootKey = rk2
		st.DiffieHellmanPrivate, st.DiffieHellmanPublic = newPriv, newPub
		st.SendChainKey = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return types.RatchetHeader{}, nil, err
	}
	h := types.RatchetHeader{
		DiffieHellmanPublicKey: st.DiffieHellmanPublic.Slice(),
		PreviousChainLength:    st.PreviousChainLength,
		MessageIndex:           st.SendMessageIndex,
	}
	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return types.RatchetHeader{}, nil, err
	}
	st.SendMessageIndex++
	return h, ct, nil
}

// Decrypt handles skipped keys, steps the DH ratchet on a new remote public,
// then opens the message. st is left unchanged on failure.
func Decrypt(st *types.RatchetState, ad []byte, header types.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DiffieHellmanPublicKey) != 32 {
		return nil, errBadHeader
	}
	work := clone(*st)
	pt, err := decrypt(&work, ad, header, ciphertext)
	if err != nil {
		return nil, err
	}
	*st = work
	return pt, nil
}

func decrypt(st *types.RatchetState, ad []byte, header types.RatchetHeader, ciphertext []byte) ([]byte, error) {
	var peer types.X25519Public
	copy(peer[:], header.DiffieHellmanPublicKey)

	if keyID := skippedKeyID(peer, header.MessageIndex); st.SkippedKeys[keyID] != nil {
		mk := st.SkippedKeys[keyID]
		delete(st.SkippedKeys, keyID)
		pt, err := open(mk, header, ad, ciphertext)
		memzero.Zero(mk)
		return pt, err
	}

	if peer != st.PeerDiffieHellmanPublic {
		if len(st.ReceiveChainKey) > 0 {
			skipUntil(st, header.PreviousChainLength)
		}
		dh, err := crypto.DH(st.DiffieHellmanPrivate, peer)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.RootKey = rk2
		st.PeerDiffieHellmanPublic = peer
		st.ReceiveChainKey = recvCK
		st.ReceiveMessageIndex = 0
		// The next send steps the ratchet against the new peer key.
		st.SendChainKey = nil
	}

	if header.MessageIndex < st.ReceiveMessageIndex {
		return nil, ErrSkippedKeyNotFound
	}
	skipUntil(st, header.MessageIndex)
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.ReceiveMessageIndex++
	return pt, nil
}

// --- helpers ---

func clone(st types.RatchetState) types.RatchetState {
	out := st
	out.RootKey = append([]byte(nil), st.RootKey...)
	out.SendChainKey = append([]byte(nil), st.SendChainKey...)
	out.ReceiveChainKey = append([]byte(nil), st.ReceiveChainKey...)
	out.SkippedKeys = make(map[string][]byte, len(st.SkippedKeys))
	for k, v := range st.SkippedKeys {
		out.SkippedKeys[k] = append([]byte(nil), v...)
	}
	return out
}

func seal(mk []byte, header types.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.MessageIndex)
	return aead.Seal(nil, nonce, plaintext, append(append([]byte(nil), ad...), headerBytes(header)...)), nil
}

func open(mk []byte, header types.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.MessageIndex)
	return aead.Open(nil, nonce, ciphertext, append(append([]byte(nil), ad...), headerBytes(header)...))
}

func headerBytes(h types.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DiffieHellmanPublicKey)+8)
	out = append(out, h.DiffieHellmanPublicKey...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousChainLength)
	out = binary.BigEndian.AppendUint32(out, h.MessageIndex)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("OLM_RATCHET|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("OLM_RATCHET|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *types.RatchetState) ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendChainKey)
	st.SendChainKey = nextCK
	return mk, nil
}

func kdfCKRecv(st *types.RatchetState) ([]byte, error) {
	if len(st.ReceiveChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.ReceiveChainKey)
	st.ReceiveChainKey = nextCK
	return mk, nil
}

func skippedKeyID(peer types.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return crypto.B64(b)
}

// skipUntil derives and stores receive keys up to n with a hard cap.
func skipUntil(st *types.RatchetState, n uint32) {
	for st.ReceiveMessageIndex < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return
		}
		if len(st.SkippedKeys) >= maxSkippedMK {
			for k := range st.SkippedKeys {
				delete(st.SkippedKeys, k)
				break
			}
		}
		st.SkippedKeys[skippedKeyID(st.PeerDiffieHellmanPublic, st.ReceiveMessageIndex)] = mk
		st.ReceiveMessageIndex++
	}
}
