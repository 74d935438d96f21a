package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
)

// MaxPoWDifficulty is the largest difficulty a SHA-256 digest can satisfy.
const MaxPoWDifficulty = 64

var ErrPoWNotFound = errors.New("proof of work not found")

// PoWCheck reports whether SHA-256(pub || nonce) starts with at least
// difficulty zero hex digits.
func PoWCheck(pub []byte, nonce int32, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	if len(pub) != PublicKeySize || difficulty > MaxPoWDifficulty {
		return false
	}
	return PoWDifficulty(pub, nonce) >= difficulty
}

// PoWDifficulty counts the leading zero hex digits of SHA-256(pub || nonce).
func PoWDifficulty(pub []byte, nonce int32) uint8 {
	buf := make([]byte, 0, len(pub)+4)
	buf = append(buf, pub...)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(nonce))
	buf = append(buf, n[:]...)
	digest := sha256.Sum256(buf)
	var zeros uint8
	for _, b := range digest {
		if b == 0 {
			zeros += 2
			continue
		}
		if b&0xf0 == 0 {
			zeros++
		}
		break
	}
	return zeros
}

// PoWSolve searches the non-negative int32 range for a nonce satisfying
// difficulty. The search stops early when ctx is done.
func PoWSolve(ctx context.Context, pub []byte, difficulty uint8) (int32, error) {
	if len(pub) != PublicKeySize {
		return 0, errors.New("bad public key size")
	}
	if difficulty > MaxPoWDifficulty {
		return 0, ErrPoWNotFound
	}
	for nonce := int32(0); ; nonce++ {
		if nonce&0xfff == 0 && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if PoWCheck(pub, nonce, difficulty) {
			return nonce, nil
		}
		if nonce == math.MaxInt32 {
			return 0, ErrPoWNotFound
		}
	}
}
