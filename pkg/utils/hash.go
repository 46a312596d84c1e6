package utils

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashOrRead accepts either a plaintext admin password or an existing bcrypt
// hash (as stored in ADMIN_PASSWORD or ADMIN_USERS) and returns the hash.
func HashOrRead(password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("empty password")
	}
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return []byte(password), nil
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
