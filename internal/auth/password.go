package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost = 12

	// defaultMinPasswordLength applies when no explicit minimum is given.
	defaultMinPasswordLength = 12

	// maxPasswordLength is the bcrypt input limit.
	maxPasswordLength = 72
)

// ValidatePassword checks a plaintext password against the length policy.
// A minLength of 0 uses the default minimum.
func ValidatePassword(password string, minLength int) error {
	if minLength <= 0 {
		minLength = defaultMinPasswordLength
	}
	if len(password) < minLength {
		return fmt.Errorf("password must be at least %d characters", minLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", maxPasswordLength)
	}
	return nil
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
}

// VerifyPassword checks a plaintext password against a bcrypt hash.
// Returns ErrInvalidPassword if the password does not match.
func VerifyPassword(password string, hash []byte) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if err != nil {
		return ErrInvalidPassword
	}
	return nil
}
