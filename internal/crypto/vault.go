// Package crypto implements C1, the authenticated-encryption vault used to
// protect embedding provider API keys at rest (§4.1, §6).
//
// Ciphertext layout is salt(32) ∥ iv(12) ∥ tag(16) ∥ ciphertext(n), base64
// encoded. The per-ciphertext key is derived from a master secret via
// PBKDF2-SHA256 over the random salt, and AES-256-GCM binds a fixed
// associated-data string per key class so a blob encrypted for one purpose
// cannot be replayed as another.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

const (
	saltSize       = 32
	ivSize         = 12
	tagSize        = 16
	derivedKeySize = 32
	pbkdf2Rounds   = 100_000
)

// KeyClass is the associated-data string bound into a ciphertext. Decrypting
// a blob with the wrong class fails closed.
type KeyClass string

const (
	ClassEmbeddingAPIKey KeyClass = "embedding-api-key"
	ClassCacheEntry      KeyClass = "secure-cache-entry"
)

// Vault performs authenticated encryption/decryption against a single master
// secret. A Vault is safe for concurrent use; it holds no mutable state.
type Vault struct {
	master []byte
}

// NewVault constructs a Vault from a master secret. The master is never
// logged and is held only in the Vault's memory; Secret.Value() is read
// exactly once here.
func NewVault(master config.Secret) (*Vault, error) {
	if !master.IsSet() {
		return nil, errs.Wrap(errs.KindCrypto, "vault requires a master secret", errs.ErrMissingMaster)
	}
	return &Vault{master: []byte(master.Value())}, nil
}

// Encrypt seals plaintext under class, returning the base64 blob described
// in the package doc.
func (v *Vault) Encrypt(class KeyClass, plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errs.Wrap(errs.KindCrypto, "generate salt", err)
	}

	gcm, err := v.gcmFor(salt)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errs.Wrap(errs.KindCrypto, "generate iv", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(class))
	if len(sealed) < tagSize {
		return "", errs.New(errs.KindInternal, "ciphertext shorter than auth tag")
	}
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, saltSize+ivSize+tagSize+len(ct))
	buf = append(buf, salt...)
	buf = append(buf, iv...)
	buf = append(buf, tag...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens a blob produced by Encrypt for the same class. Any
// malformation, wrong class, or bit-flip in ciphertext or tag fails closed
// with errs.ErrDecryptFailed and returns no partial output.
func (v *Vault) Decrypt(class KeyClass, blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "malformed ciphertext encoding", errs.ErrDecryptFailed)
	}
	if len(raw) < saltSize+ivSize+tagSize {
		return nil, errs.Wrap(errs.KindCrypto, "ciphertext too short", errs.ErrDecryptFailed)
	}

	salt := raw[:saltSize]
	iv := raw[saltSize : saltSize+ivSize]
	tag := raw[saltSize+ivSize : saltSize+ivSize+tagSize]
	ct := raw[saltSize+ivSize+tagSize:]

	gcm, err := v.gcmFor(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, []byte(class))
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "authentication failed", errs.ErrDecryptFailed)
	}
	return plaintext, nil
}

func (v *Vault) gcmFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.master, salt, pbkdf2Rounds, derivedKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "construct cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "construct gcm", err)
	}
	return gcm, nil
}

// Rotate re-encrypts a blob that was sealed under oldVault into one sealed
// under newVault, as a single logical operation: decrypt-then-reencrypt
// never exposes the plaintext to the caller.
func Rotate(oldVault, newVault *Vault, class KeyClass, blob string) (string, error) {
	plaintext, err := oldVault.Decrypt(class, blob)
	if err != nil {
		return "", err
	}
	defer zero(plaintext)
	return newVault.Encrypt(class, plaintext)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// KeyRecord mirrors the ProviderKey entity of §3: an encrypted blob plus the
// lifecycle metadata the vault enforces on retrieval.
type KeyRecord struct {
	ProviderID    string
	Version       int
	CreatedAt     time.Time
	LastUsed      time.Time
	UsageCount    uint64
	EncryptedBlob string
	Active        bool
}

// ErrInactiveKey reports a KeyRecord whose Active flag is false; Retrieve
// rejects such a record.
var ErrInactiveKey = errors.New("key record is inactive")

// Retrieve decrypts rec's blob, rejecting inactive or expired records before
// touching the ciphertext, and returns the plaintext alongside a bumped
// usage counter the caller is expected to persist atomically.
func (v *Vault) Retrieve(rec KeyRecord, maxAge time.Duration, now time.Time) ([]byte, KeyRecord, error) {
	if !rec.Active {
		return nil, rec, errs.Wrap(errs.KindCrypto, fmt.Sprintf("provider key %s is inactive", rec.ProviderID), ErrInactiveKey)
	}
	if maxAge > 0 && now.Sub(rec.CreatedAt) > maxAge {
		return nil, rec, errs.Wrap(errs.KindCrypto, fmt.Sprintf("provider key %s exceeds max age", rec.ProviderID), errs.ErrKeyExpired)
	}

	plaintext, err := v.Decrypt(ClassEmbeddingAPIKey, rec.EncryptedBlob)
	if err != nil {
		return nil, rec, err
	}

	rec.LastUsed = now
	rec.UsageCount++
	return plaintext, rec, nil
}
