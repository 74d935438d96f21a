package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

const labelLongTerm = "overlay:lt:v1"

// LongTermAgreementKey returns the symmetric key shared between the owner of
// priv and the owner of peerPub, derived from their identity keys only. Both
// sides compute the same key.
func LongTermAgreementKey(priv ed25519.PrivateKey, peerPub ed25519.PublicKey) ([]byte, error) {
	if len(priv) != SecretKeySize {
		return nil, errors.New("bad secret key size")
	}
	if len(peerPub) != PublicKeySize {
		return nil, errors.New("bad public key size")
	}
	scalar := x25519Scalar(priv)
	defer Wipe(scalar)
	peerMont, err := x25519Public(peerPub)
	if err != nil {
		return nil, err
	}
	ss, err := curve25519.X25519(scalar, peerMont)
	if err != nil {
		return nil, err
	}
	defer Wipe(ss)
	own := priv.Public().(ed25519.PublicKey)
	lo, hi := []byte(own), []byte(peerPub)
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	return KDF(labelLongTerm, ss, lo, hi), nil
}

// x25519Scalar maps an Ed25519 secret key to the clamped X25519 scalar used by
// the same key pair (RFC 8032 §5.1.5).
func x25519Scalar(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	out := make([]byte, 32)
	copy(out, h[:32])
	Wipe(h[:])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

func x25519Public(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, err
	}
	return p.BytesMontgomery(), nil
}
