package utils

import "github.com/google/uuid"

// shortIDLen matches the 8-character IDs job and client records use.
const shortIDLen = 8

// GenerateID returns a random 8-character hex ID derived from a v4 UUID.
func GenerateID() string {
	return uuid.NewString()[:shortIDLen]
}
