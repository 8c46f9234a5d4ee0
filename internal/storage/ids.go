package storage

import "github.com/google/uuid"

// GenerateID creates a new UUID for a row
func GenerateID() string {
	return uuid.New().String()
}
