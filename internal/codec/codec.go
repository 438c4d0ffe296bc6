// Package codec serializes the application dataset to and from the
// versioned sync file document.
//
// The document envelope (version, exportedAt, encrypted, family identity)
// is always plaintext JSON so it can be inspected before decryption. The
// data payload is either a plaintext dataset object or, when an
// encryption secret is supplied, an AES-256-GCM blob carrying its own
// KDF parameters. The codec is an identity transform on entity field
// values: only structure and encryption change.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finchley/finch/internal/model"
)

// FormatVersion is the sync file format version this codec writes.
const FormatVersion = "3.0"

var (
	// ErrInvalidFormat marks a structurally invalid document: unparsable
	// JSON, a missing envelope field, or a corrupt payload. Fatal for the
	// load attempt.
	ErrInvalidFormat = errors.New("sync file: invalid format")

	// ErrBadCredential marks a failed decryption (wrong password or key).
	// Retryable with a different credential; never to be confused with
	// corruption.
	ErrBadCredential = errors.New("sync file: bad credential")
)

// envelope is the on-disk document shape. Data stays raw so the envelope
// can be parsed without touching the payload.
type envelope struct {
	Version    string          `json:"version"`
	ExportedAt string          `json:"exportedAt"`
	Encrypted  bool            `json:"encrypted"`
	FamilyID   string          `json:"familyId,omitempty"`
	FamilyName string          `json:"familyName,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// cipherPayload replaces the data object when the file is encrypted.
type cipherPayload struct {
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations,omitempty"`
	Salt       string `json:"salt,omitempty"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// File is a decoded sync document. When the file is encrypted and no
// secret was available, Data is nil and the raw payload is retained so
// Decrypt can run later without re-reading the file.
type File struct {
	Version    string
	ExportedAt time.Time
	Encrypted  bool
	FamilyID   string
	FamilyName string
	Data       *model.Dataset

	payload *cipherPayload
}

// NeedsPassword reports whether the payload is still encrypted and a
// credential is required before Data is available.
func (f *File) NeedsPassword() bool {
	return f.Encrypted && f.Data == nil
}

// EncodeOptions configures Encode.
type EncodeOptions struct {
	FamilyID   string
	FamilyName string
	// Secret encrypts the data payload when non-nil.
	Secret *Secret
	// Now overrides the exportedAt stamp. Zero means time.Now.
	Now time.Time
}

// Encode serializes the dataset into a sync file document, stamping
// exportedAt and the current format version. It returns the document
// bytes and the exportedAt value that was stamped, which becomes the
// caller's sync watermark after a successful write.
func Encode(ds *model.Dataset, opts EncodeOptions) ([]byte, time.Time, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Millisecond)

	payload, err := json.Marshal(ds)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to marshal dataset: %w", err)
	}

	env := envelope{
		Version:    FormatVersion,
		ExportedAt: now.Format(time.RFC3339Nano),
		FamilyID:   opts.FamilyID,
		FamilyName: opts.FamilyName,
		Data:       payload,
	}

	if opts.Secret != nil {
		enc, err := encryptPayload(payload, opts.Secret)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to encrypt payload: %w", err)
		}
		raw, err := json.Marshal(enc)
		if err != nil {
			return nil, time.Time{}, err
		}
		env.Encrypted = true
		env.Data = raw
	}

	out, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return nil, time.Time{}, err
	}
	return out, now, nil
}

// Decode parses a sync file document. The envelope is validated first;
// the data payload is only unmarshaled when it is plaintext. For an
// encrypted payload with no secret at hand, the returned File reports
// NeedsPassword and holds the raw payload for a later Decrypt.
func Decode(b []byte) (*File, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if env.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidFormat)
	}
	if env.ExportedAt == "" {
		return nil, fmt.Errorf("%w: missing exportedAt", ErrInvalidFormat)
	}
	exportedAt, err := time.Parse(time.RFC3339Nano, env.ExportedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad exportedAt %q", ErrInvalidFormat, env.ExportedAt)
	}

	f := &File{
		Version:    env.Version,
		ExportedAt: exportedAt,
		Encrypted:  env.Encrypted,
		FamilyID:   env.FamilyID,
		FamilyName: env.FamilyName,
	}

	if env.Encrypted {
		var payload cipherPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: bad encrypted payload: %v", ErrInvalidFormat, err)
		}
		if payload.Ciphertext == "" || payload.Nonce == "" {
			return nil, fmt.Errorf("%w: encrypted payload missing ciphertext or nonce", ErrInvalidFormat)
		}
		f.payload = &payload
		return f, nil
	}

	f.Data = &model.Dataset{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, f.Data); err != nil {
			return nil, fmt.Errorf("%w: bad data payload: %v", ErrInvalidFormat, err)
		}
	}
	return f, nil
}

// Decrypt unlocks an encrypted file with the given secret, populating
// Data on success. A wrong secret returns ErrBadCredential and leaves the
// raw payload in place so the caller can retry with another credential.
func (f *File) Decrypt(secret *Secret) error {
	if !f.Encrypted {
		return nil
	}
	if f.payload == nil {
		return fmt.Errorf("%w: no encrypted payload retained", ErrInvalidFormat)
	}
	if secret == nil {
		return fmt.Errorf("%w: no secret supplied", ErrBadCredential)
	}

	salt, err := base64.StdEncoding.DecodeString(f.payload.Salt)
	if err != nil {
		return fmt.Errorf("%w: bad salt: %v", ErrInvalidFormat, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.payload.Nonce)
	if err != nil {
		return fmt.Errorf("%w: bad nonce: %v", ErrInvalidFormat, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(f.payload.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: bad ciphertext: %v", ErrInvalidFormat, err)
	}

	key, err := secret.deriveKey(f.payload.KDF, salt, f.payload.Iterations)
	if err != nil {
		return err
	}
	plaintext, err := open(key, nonce, ciphertext)
	if err != nil {
		return err
	}

	ds := &model.Dataset{}
	if err := json.Unmarshal(plaintext, ds); err != nil {
		return fmt.Errorf("%w: decrypted payload is not a dataset: %v", ErrInvalidFormat, err)
	}
	f.Data = ds
	return nil
}

func encryptPayload(plaintext []byte, secret *Secret) (*cipherPayload, error) {
	payload := &cipherPayload{KDF: secret.kdf()}

	var salt []byte
	if payload.KDF == kdfPBKDF2 {
		var err error
		salt, err = newSalt()
		if err != nil {
			return nil, err
		}
		payload.Salt = base64.StdEncoding.EncodeToString(salt)
		payload.Iterations = defaultIterations
	}

	key, err := secret.deriveKey(payload.KDF, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	payload.Nonce = base64.StdEncoding.EncodeToString(nonce)
	payload.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	return payload, nil
}
