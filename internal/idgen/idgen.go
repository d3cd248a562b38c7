// Package idgen provides ID generation for ledger rows, API keys and usage records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "le_", "ul_", "ak_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Sequence hands out time-ordered 64-bit IDs for high-volume records.
// Each process must use a distinct node number (0..1023).
type Sequence struct {
	node *snowflake.Node
}

// NewSequence creates a snowflake sequence for the given node.
func NewSequence(node int64) (*Sequence, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &Sequence{node: n}, nil
}

// Next returns the next ID.
func (s *Sequence) Next() int64 {
	return s.node.Generate().Int64()
}
