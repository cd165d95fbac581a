// Package node manages the identity of this botbridge relay instance.
// Every relay has a persistent ULID that is generated on first start and
// stored in the data directory, so restarts keep the same identity in logs
// and in the /health response.
//
// The package also exposes NewID, the shared ULID generator used for message
// identifiers across the rest of the codebase.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const nodeIDFile = "node_id"

// ID is a ULID string that uniquely identifies a botbridge relay process.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this relay instance.
type Node struct {
	id      ID
	dataDir string
}

// New returns a Node whose ID is loaded from dataDir/node_id.
// If the file does not exist a new ULID is generated and written.
// If idOverride is "auto" or empty the file-based ID is used.
func New(dataDir string, idOverride string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	// Explicit override takes precedence (useful in tests / container envs).
	if idOverride != "" && idOverride != "auto" {
		if err := validateULID(idOverride); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", idOverride, err)
		}
		return &Node{id: ID(idOverride), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the node's stable ULID string.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

// loadOrGenerate reads the node ID from disk, creating a new one if absent.
func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}

	return id, nil
}

// monoEntropy is a package-level monotone entropy source shared across all
// generateULID calls. Using a single shared source ensures that ULIDs remain
// lexicographically ordered even when generated within the same millisecond,
// which is what keeps store query ordering stable for same-timestamp messages.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// generateULID creates a new time-ordered ULID using the shared monotone
// entropy source. The mutex ensures monotonicity across concurrent calls.
func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

// validateULID returns an error if s is not a well-formed ULID string.
func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID. Used by the store for message identifiers.
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
