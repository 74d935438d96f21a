package crypto

import (
	"bytes"
	"errors"
)

const (
	labelKDFMaster = "overlay:kdf:v1"
	labelSession   = "overlay:session:v1"
)

// DeriveSessionKey derives the symmetric key of one ephemeral agreement from
// the X25519 shared secret and the handshake transcript.
func DeriveSessionKey(ss, transcript []byte) ([]byte, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return nil, errors.New("empty key material")
	}
	master := KDF(labelKDFMaster, ss, transcript)
	defer Wipe(master)
	return KDF(labelSession, master), nil
}

// Transcript binds an agreement id to both ephemeral public keys. The keys are
// ordered so initiator and responder hash the same bytes.
func Transcript(agreementID string, ephA, ephB []byte) []byte {
	lo, hi := ephA, ephB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	buf := make([]byte, 0, len(agreementID)+len(lo)+len(hi))
	buf = append(buf, []byte(agreementID)...)
	buf = append(buf, lo...)
	buf = append(buf, hi...)
	return SHA3_256(buf)
}
