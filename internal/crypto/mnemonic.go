package crypto

import (
	"fmt"

	bip39 "github.com/cosmos/go-bip39"
)

// phraseEntropyBits yields a 12-word English mnemonic.
const phraseEntropyBits = 128

// NewRecoveryPhrase generates a 12-word BIP-39 recovery phrase from 128 bits
// of entropy.
func NewRecoveryPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(phraseEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return phrase, nil
}

// SeedFromPhrase validates a recovery phrase and derives the 32-byte recovery
// seed: the first 32 bytes of the BIP-39 PBKDF2-SHA512 seed with an empty
// passphrase.
func SeedFromPhrase(phrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return nil, ErrAuthFailed
	}
	seed := bip39.NewSeed(phrase, "")
	return seed[:KeySize], nil
}
