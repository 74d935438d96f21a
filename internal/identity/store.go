package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Options selects where an identity comes from. Inline key material wins over
// Path; with neither, a new identity is generated.
type Options struct {
	PublicKey   string
	SecretKey   string
	ProofOfWork *int32
	Path        string
	Difficulty  uint8
}

func (o Options) inline() (bool, error) {
	given := 0
	if o.PublicKey != "" {
		given++
	}
	if o.SecretKey != "" {
		given++
	}
	if o.ProofOfWork != nil {
		given++
	}
	switch given {
	case 0:
		return false, nil
	case 3:
		return true, nil
	default:
		return false, errors.New("public key, secret key and proof of work must be given together")
	}
}

type fileIdentity struct {
	ProofOfWork int32  `json:"proof_of_work"`
	PublicKey   string `json:"public_key"`
	SecretKey   string `json:"secret_key"`
}

// LoadOrCreate resolves the node identity: inline material, then the identity
// file, then generation (persisted to Path when set).
func LoadOrCreate(ctx context.Context, opts Options) (Identity, error) {
	inline, err := opts.inline()
	if err != nil {
		return Identity{}, &Error{Op: "load", Err: err}
	}
	if inline {
		return New(opts.PublicKey, opts.SecretKey, *opts.ProofOfWork, opts.Difficulty)
	}
	if opts.Path != "" {
		id, err := Load(opts.Path, opts.Difficulty)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Identity{}, err
		}
	}
	id, err := Generate(ctx, opts.Difficulty)
	if err != nil {
		return Identity{}, err
	}
	if opts.Path != "" {
		if err := Save(opts.Path, id); err != nil {
			return Identity{}, err
		}
	}
	return id, nil
}

// Load reads and validates an identity file. Files readable by group or
// others are refused.
func Load(path string, difficulty uint8) (Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Identity{}, &Error{Op: "load", Err: err}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return Identity{}, &Error{Op: "load", Err: fmt.Errorf("%w: %s", ErrInsecureFile, path)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, &Error{Op: "load", Err: err}
	}
	var f fileIdentity
	if err := json.Unmarshal(data, &f); err != nil {
		return Identity{}, &Error{Op: "load", Err: err}
	}
	return New(f.PublicKey, f.SecretKey, f.ProofOfWork, difficulty)
}

// Save writes id to path with mode 0600, creating parent directories.
func Save(path string, id Identity) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &Error{Op: "save", Err: err}
		}
	}
	data, err := json.MarshalIndent(fileIdentity{
		ProofOfWork: id.proofOfWork,
		PublicKey:   id.publicKey.String(),
		SecretKey:   id.SecretKeyHex(),
	}, "", "  ")
	if err != nil {
		return &Error{Op: "save", Err: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &Error{Op: "save", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &Error{Op: "save", Err: err}
	}
	return nil
}
