package auth

import (
	"fmt"

	"github.com/alexedwards/argon2id"
)

// HashPassword returns an argon2id PHC string for password, suitable for
// the inbound.users[].passwordHash setting.
func HashPassword(password string) (string, error) {
	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return hash, nil
}

// ComparePassword reports whether password matches hash.
func ComparePassword(password, hash string) (bool, error) {
	return argon2id.ComparePasswordAndHash(password, hash)
}
