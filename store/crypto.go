package store

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// stretchKey derives the at-rest encryption key from a passphrase, exactly
// as the teacher's statefile encryption does (catshadow/disk.go), so every
// bbolt value this gateway writes is sealed the same way the teacher seals
// its single encrypted blob.
func stretchKey(passphrase []byte) *[keySize]byte {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	out := new([keySize]byte)
	copy(out[:], secret)
	return out
}

func seal(plaintext []byte, key *[keySize]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, key)
	return append(nonce[:], ciphertext...), nil
}

func open(ciphertext []byte, key *[keySize]byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errIntegrity("sealed record too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, errIntegrity("failed to open sealed record")
	}
	return plaintext, nil
}
