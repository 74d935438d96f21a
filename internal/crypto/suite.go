package crypto

import "crypto/ed25519"

// Suite is the cryptographic capability the session layer depends on. The
// session manager decides which key is used when; Suite does the math.
type Suite interface {
	Sign(priv ed25519.PrivateKey, label string, msg []byte) ([]byte, error)
	Verify(pub ed25519.PublicKey, label string, msg, sig []byte) bool
	LongTermKey(priv ed25519.PrivateKey, peer ed25519.PublicKey) ([]byte, error)
	NewEphemeral() (*Ephemeral, error)
	SessionKey(eph *Ephemeral, peerEphemeral, transcript []byte) ([]byte, error)
	Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error)
	Open(key, nonce, ciphertext, aad []byte) ([]byte, error)
}

type defaultSuite struct{}

// DefaultSuite returns the Ed25519/X25519/XChaCha20-Poly1305 suite.
func DefaultSuite() Suite {
	return defaultSuite{}
}

func (defaultSuite) Sign(priv ed25519.PrivateKey, label string, msg []byte) ([]byte, error) {
	return SignDigest(priv, label, msg)
}

func (defaultSuite) Verify(pub ed25519.PublicKey, label string, msg, sig []byte) bool {
	return VerifyDigest(pub, label, msg, sig)
}

func (defaultSuite) LongTermKey(priv ed25519.PrivateKey, peer ed25519.PublicKey) ([]byte, error) {
	return LongTermAgreementKey(priv, peer)
}

func (defaultSuite) NewEphemeral() (*Ephemeral, error) {
	return GenerateEphemeral()
}

func (defaultSuite) SessionKey(eph *Ephemeral, peerEphemeral, transcript []byte) ([]byte, error) {
	ss, err := eph.Shared(peerEphemeral)
	if err != nil {
		return nil, err
	}
	defer Wipe(ss)
	return DeriveSessionKey(ss, transcript)
}

func (defaultSuite) Seal(key, plaintext, aad []byte) ([]byte, []byte, error) {
	return XSeal(key, plaintext, aad)
}

func (defaultSuite) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	return XOpen(key, nonce, ciphertext, aad)
}
