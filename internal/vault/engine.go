package vault

import (
	"errors"
	"time"

	"github.com/ocmt/control-plane/internal/crypto"
)

// ErrUnlockFailed is the single error surfaced for every authentication
// failure on a vault: wrong password, wrong key, wrong recovery phrase,
// tampered ciphertext. Callers must not learn which step failed.
var ErrUnlockFailed = errors.New("invalid password")

// Engine performs vault lifecycle operations. The Argon2 parameters apply
// to newly created vaults; unlocking always honors the parameters recorded
// in the blob itself.
type Engine struct {
	params crypto.Argon2Params
}

// NewEngine returns an engine with production KDF costs.
func NewEngine() *Engine {
	return &Engine{params: crypto.DefaultArgon2Params()}
}

// NewEngineWithParams overrides the KDF costs. Tests use this to keep
// derivations cheap.
func NewEngineWithParams(p crypto.Argon2Params) *Engine {
	return &Engine{params: p}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Create builds a fresh vault around the empty document and returns the blob
// together with the one-time recovery phrase. The phrase is never stored and
// cannot be shown again.
func (e *Engine) Create(password string) (*Blob, string, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, "", err
	}
	key := crypto.DeriveKey(password, salt, e.params)
	defer crypto.Zero(key)

	phrase, err := crypto.NewRecoveryPhrase()
	if err != nil {
		return nil, "", err
	}
	seed, err := crypto.SeedFromPhrase(phrase)
	if err != nil {
		return nil, "", err
	}
	defer crypto.Zero(seed)

	doc := EmptyDocument()

	mainNonce, mainCT, mainTag, err := crypto.Seal(key, doc)
	if err != nil {
		return nil, "", err
	}
	recNonce, recCT, recTag, err := crypto.Seal(seed, doc)
	if err != nil {
		return nil, "", err
	}
	seedNonce, seedCT, seedTag, err := crypto.Seal(key, seed)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	blob := &Blob{
		Format:  FormatTag,
		Version: FormatVersion,
		KDF: KDFSection{
			Algorithm:   kdfAlgorithm,
			Memory:      e.params.Memory,
			Time:        e.params.Time,
			Parallelism: e.params.Parallelism,
			Salt:        b64(salt),
		},
		Encryption: EncryptionSection{
			Algorithm: aeadAlgorithm,
			Nonce:     b64(mainNonce),
			Tag:       b64(mainTag),
		},
		Ciphertext: b64(mainCT),
		Recovery: RecoverySection{
			Ciphertext:    b64(recCT),
			Nonce:         b64(recNonce),
			Tag:           b64(recTag),
			EncryptedSeed: b64(seedCT),
			SeedNonce:     b64(seedNonce),
			SeedTag:       b64(seedTag),
		},
		Created: now,
		Updated: now,
	}
	return blob, phrase, nil
}

// Unlock derives the key from the password using the blob's recorded KDF
// parameters and decrypts the main ciphertext. On success it returns the
// plaintext and the derived key so the caller can establish a session.
func (e *Engine) Unlock(b *Blob, password string) ([]byte, []byte, error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	salt, err := unb64(b.KDF.Salt)
	if err != nil {
		return nil, nil, err
	}

	key := crypto.DeriveKey(password, salt, crypto.Argon2Params{
		Memory:      b.KDF.Memory,
		Time:        b.KDF.Time,
		Parallelism: b.KDF.Parallelism,
	})

	plaintext, err := e.openMain(b, key)
	if err != nil {
		crypto.Zero(key)
		return nil, nil, ErrUnlockFailed
	}
	return plaintext, key, nil
}

// UnlockWithKey decrypts the main ciphertext with an already-derived key,
// skipping the KDF. Used inside an established vault session.
func (e *Engine) UnlockWithKey(b *Blob, key []byte) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	plaintext, err := e.openMain(b, key)
	if err != nil {
		return nil, ErrUnlockFailed
	}
	return plaintext, nil
}

// Update re-encrypts newData under the held key and keeps the recovery path
// consistent by re-encrypting the same plaintext under the stored seed. The
// seed itself and the KDF section are untouched; a new blob is returned.
func (e *Engine) Update(b *Blob, key []byte, newData []byte) (*Blob, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	seed, err := e.openSeed(b, key)
	if err != nil {
		return nil, ErrUnlockFailed
	}
	defer crypto.Zero(seed)

	mainNonce, mainCT, mainTag, err := crypto.Seal(key, newData)
	if err != nil {
		return nil, err
	}
	recNonce, recCT, recTag, err := crypto.Seal(seed, newData)
	if err != nil {
		return nil, err
	}

	next := *b
	next.Encryption.Nonce = b64(mainNonce)
	next.Encryption.Tag = b64(mainTag)
	next.Ciphertext = b64(mainCT)
	next.Recovery.Ciphertext = b64(recCT)
	next.Recovery.Nonce = b64(recNonce)
	next.Recovery.Tag = b64(recTag)
	next.Updated = time.Now().UTC()
	return &next, nil
}

// Recover validates the recovery phrase, derives the seed and decrypts the
// recovery-path ciphertext. Any failure reads as ErrUnlockFailed.
func (e *Engine) Recover(b *Blob, phrase string) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	seed, err := crypto.SeedFromPhrase(phrase)
	if err != nil {
		return nil, ErrUnlockFailed
	}
	defer crypto.Zero(seed)

	recNonce, err := unb64(b.Recovery.Nonce)
	if err != nil {
		return nil, err
	}
	recTag, err := unb64(b.Recovery.Tag)
	if err != nil {
		return nil, err
	}
	recCT, err := unb64(b.Recovery.Ciphertext)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Open(seed, recNonce, recCT, recTag)
	if err != nil {
		return nil, ErrUnlockFailed
	}
	return plaintext, nil
}

// ChangePassword unlocks with the old password, then synthesizes a new vault
// around the same plaintext with a fresh salt and key. The recovery seed is
// carried over so the original phrase keeps working.
func (e *Engine) ChangePassword(b *Blob, oldPassword, newPassword string) (*Blob, error) {
	plaintext, oldKey, err := e.Unlock(b, oldPassword)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(plaintext)
	defer crypto.Zero(oldKey)

	seed, err := e.openSeed(b, oldKey)
	if err != nil {
		return nil, ErrUnlockFailed
	}
	defer crypto.Zero(seed)

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	newKey := crypto.DeriveKey(newPassword, salt, e.params)
	defer crypto.Zero(newKey)

	mainNonce, mainCT, mainTag, err := crypto.Seal(newKey, plaintext)
	if err != nil {
		return nil, err
	}
	recNonce, recCT, recTag, err := crypto.Seal(seed, plaintext)
	if err != nil {
		return nil, err
	}
	seedNonce, seedCT, seedTag, err := crypto.Seal(newKey, seed)
	if err != nil {
		return nil, err
	}

	next := &Blob{
		Format:  FormatTag,
		Version: FormatVersion,
		KDF: KDFSection{
			Algorithm:   kdfAlgorithm,
			Memory:      e.params.Memory,
			Time:        e.params.Time,
			Parallelism: e.params.Parallelism,
			Salt:        b64(salt),
		},
		Encryption: EncryptionSection{
			Algorithm: aeadAlgorithm,
			Nonce:     b64(mainNonce),
			Tag:       b64(mainTag),
		},
		Ciphertext: b64(mainCT),
		Recovery: RecoverySection{
			Ciphertext:    b64(recCT),
			Nonce:         b64(recNonce),
			Tag:           b64(recTag),
			EncryptedSeed: b64(seedCT),
			SeedNonce:     b64(seedNonce),
			SeedTag:       b64(seedTag),
		},
		Created: b.Created,
		Updated: time.Now().UTC(),
	}
	return next, nil
}

// ============================================================================
// Internals
// ============================================================================

func (e *Engine) openMain(b *Blob, key []byte) ([]byte, error) {
	nonce, err := unb64(b.Encryption.Nonce)
	if err != nil {
		return nil, err
	}
	tag, err := unb64(b.Encryption.Tag)
	if err != nil {
		return nil, err
	}
	ct, err := unb64(b.Ciphertext)
	if err != nil {
		return nil, err
	}
	return crypto.Open(key, nonce, ct, tag)
}

func (e *Engine) openSeed(b *Blob, key []byte) ([]byte, error) {
	nonce, err := unb64(b.Recovery.SeedNonce)
	if err != nil {
		return nil, err
	}
	tag, err := unb64(b.Recovery.SeedTag)
	if err != nil {
		return nil, err
	}
	ct, err := unb64(b.Recovery.EncryptedSeed)
	if err != nil {
		return nil, err
	}
	return crypto.Open(key, nonce, ct, tag)
}
