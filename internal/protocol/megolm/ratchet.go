package megolm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"groupcrypt/internal/domain/types"
)

const (
	ratchetParts  = 4
	partLength    = 32
	ratchetLength = ratchetParts * partLength
)

var hashKeySeeds = [ratchetParts][]byte{{0x00}, {0x01}, {0x02}, {0x03}}

// NewRatchet returns a ratchet with random parts at counter 0.
func NewRatchet() (types.MegolmRatchet, error) {
	var r types.MegolmRatchet
	for i := range r.Parts {
		if _, err := rand.Read(r.Parts[i][:]); err != nil {
			return types.MegolmRatchet{}, err
		}
	}
	return r, nil
}

// Advance moves the ratchet forward by one.
func Advance(r *types.MegolmRatchet) {
	mask := uint32(0x00FFFFFF)
	h := 0
	r.Counter++

	// The number of low bits that wrapped decides how many parts to reseed.
	for h < ratchetParts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := ratchetParts - 1; i >= h; i-- {
		rehash(r, h, i)
	}
}

// AdvanceTo moves the ratchet forward to index in at most 1020 hashes.
func AdvanceTo(r *types.MegolmRatchet, index uint32) {
	for j := 0; j < ratchetParts; j++ {
		shift := uint((ratchetParts - j - 1) * 8)
		mask := ^uint32(0) << shift

		// & 0xff handles wraparound of the higher parts.
		steps := ((index >> shift) - (r.Counter >> shift)) & 0xff
		if steps == 0 {
			if index < r.Counter {
				steps = 0x100
			} else {
				continue
			}
		}
		for ; steps > 1; steps-- {
			rehash(r, j, j)
		}
		for k := ratchetParts - 1; k >= j; k-- {
			rehash(r, j, k)
		}
		r.Counter = index & mask
	}
}

// rehash sets R(to) = HMAC-SHA256(R(from), seed(to)).
func rehash(r *types.MegolmRatchet, from, to int) {
	mac := hmac.New(sha256.New, r.Parts[from][:])
	mac.Write(hashKeySeeds[to])
	copy(r.Parts[to][:], mac.Sum(nil))
}

func ratchetBytes(r types.MegolmRatchet) []byte {
	out := make([]byte, 0, ratchetLength)
	for i := range r.Parts {
		out = append(out, r.Parts[i][:]...)
	}
	return out
}

func ratchetFromBytes(counter uint32, b []byte) types.MegolmRatchet {
	r := types.MegolmRatchet{Counter: counter}
	for i := range r.Parts {
		copy(r.Parts[i][:], b[i*partLength:(i+1)*partLength])
	}
	return r
}
