package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"overlaynode/internal/crypto"
)

// DefaultDifficulty is the number of leading zero hex digits a proof of work
// must produce.
const DefaultDifficulty uint8 = 6

var (
	ErrKeyMismatch  = errors.New("secret key does not match public key")
	ErrProofOfWork  = errors.New("invalid proof of work")
	ErrMalformedKey = errors.New("malformed key")
	ErrInsecureFile = errors.New("identity file is accessible by group or others")
)

// Error reports a failure to load, validate or create an identity.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("identity %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PublicKey is the 32 byte Ed25519 key that doubles as a node address.
type PublicKey [crypto.PublicKeySize]byte

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != len(k) {
		return k, ErrMalformedKey
	}
	copy(k[:], b)
	return k, nil
}

// ParsePublicKey decodes the 64 character hex form of a public key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, ErrMalformedKey
	}
	return PublicKeyFromBytes(raw)
}

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

func (k PublicKey) Bytes() []byte {
	out := make([]byte, len(k))
	copy(out, k[:])
	return out
}

func (k PublicKey) Ed25519() ed25519.PublicKey { return ed25519.PublicKey(k.Bytes()) }

func (k PublicKey) IsZero() bool { return k == PublicKey{} }

func (k PublicKey) Compare(o PublicKey) int { return bytes.Compare(k[:], o[:]) }

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Identity is the immutable key pair and proof of work of a node.
type Identity struct {
	publicKey   PublicKey
	secretKey   ed25519.PrivateKey
	proofOfWork int32
}

// New validates the given key material and proof of work.
func New(publicKeyHex, secretKeyHex string, proofOfWork int32, difficulty uint8) (Identity, error) {
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return Identity{}, &Error{Op: "parse public key", Err: err}
	}
	sec, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(sec) != crypto.SecretKeySize {
		return Identity{}, &Error{Op: "parse secret key", Err: ErrMalformedKey}
	}
	id := Identity{publicKey: pub, secretKey: ed25519.PrivateKey(sec), proofOfWork: proofOfWork}
	if err := id.Validate(difficulty); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Generate creates a fresh key pair and searches a matching proof of work.
// The search is CPU bound and honours ctx.
func Generate(ctx context.Context, difficulty uint8) (Identity, error) {
	pub, priv, err := crypto.GenerateIdentityKey()
	if err != nil {
		return Identity{}, &Error{Op: "generate", Err: err}
	}
	nonce, err := crypto.PoWSolve(ctx, pub, difficulty)
	if err != nil {
		return Identity{}, &Error{Op: "generate", Err: err}
	}
	key, _ := PublicKeyFromBytes(pub)
	return Identity{publicKey: key, secretKey: priv, proofOfWork: nonce}, nil
}

// Validate checks that the secret key derives the public key and that the
// proof of work satisfies difficulty.
func (id Identity) Validate(difficulty uint8) error {
	if len(id.secretKey) != crypto.SecretKeySize {
		return &Error{Op: "validate", Err: ErrMalformedKey}
	}
	derived := id.secretKey.Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, id.publicKey[:]) {
		return &Error{Op: "validate", Err: ErrKeyMismatch}
	}
	if !VerifyProofOfWork(id.publicKey, id.proofOfWork, difficulty) {
		return &Error{Op: "validate", Err: ErrProofOfWork}
	}
	return nil
}

// VerifyProofOfWork is the cheap check run against any announced identity.
func VerifyProofOfWork(pub PublicKey, proofOfWork int32, difficulty uint8) bool {
	return crypto.PoWCheck(pub[:], proofOfWork, difficulty)
}

func (id Identity) PublicKey() PublicKey { return id.publicKey }

func (id Identity) ProofOfWork() int32 { return id.proofOfWork }

// SecretKey returns a copy of the Ed25519 secret key.
func (id Identity) SecretKey() ed25519.PrivateKey {
	out := make([]byte, len(id.secretKey))
	copy(out, id.secretKey)
	return out
}

// Sign signs msg under a domain label with the identity key.
func (id Identity) Sign(label string, msg []byte) ([]byte, error) {
	return crypto.SignDigest(id.secretKey, label, msg)
}

func (k PublicKey) Verify(label string, msg, sig []byte) bool {
	return crypto.VerifyDigest(k.Ed25519(), label, msg, sig)
}

func (id Identity) SecretKeyHex() string { return hex.EncodeToString(id.secretKey) }

func (id Identity) IsZero() bool { return id.publicKey.IsZero() }

func (id Identity) String() string {
	return fmt.Sprintf("Identity{%s pow=%d}", id.publicKey, id.proofOfWork)
}

func (id Identity) GoString() string { return id.String() }
