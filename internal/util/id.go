package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// OptimisticPrefix marks locally-synthesized ids that have not been
// confirmed by the store yet.
const OptimisticPrefix = "optimistic-"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewOptimisticID returns a transient id for an entity staged locally
// before the store has assigned a real one.
func NewOptimisticID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return OptimisticPrefix + hex.EncodeToString(bytes)
}

func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, OptimisticPrefix)
}
