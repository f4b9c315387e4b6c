// Package state persists the access token and interrupted registration flows.
package state

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Registration steps recorded while a sign-up is in progress.
const (
	StepEmailValidation = "email_validation"
	StepPassword        = "password"
	StepVerification    = "verification"
)

// Registration is the saved progress of an interrupted sign-up.
type Registration struct {
	Email   string    `json:"email"`
	Step    string    `json:"step"`
	SavedAt time.Time `json:"saved_at"`
}

// Store persists client state between runs.
//
// Load methods return the zero value and no error when nothing is stored.
type Store interface {
	SaveToken(token string) error
	LoadToken() (string, error)
	DeleteToken() error

	SaveRegistration(reg Registration) error
	LoadRegistration() (*Registration, error)
	ClearRegistration() error

	Close() error
}

// Store kinds accepted by Open.
const (
	KindBolt   = "bolt"
	KindFile   = "file"
	KindMemory = "memory"
)

// ErrUnknownKind is returned by Open for an unsupported store kind.
var ErrUnknownKind = errors.New("unknown state store kind")

// DefaultCacheDir returns ~/.tabpfn, or a temp-dir fallback when the home
// directory cannot be determined.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "tabpfn")
	}
	return filepath.Join(home, ".tabpfn")
}

// Open creates the store of the given kind rooted at dir.
func Open(kind, dir string) (Store, error) {
	if dir == "" {
		dir = DefaultCacheDir()
	}
	switch kind {
	case KindBolt, "":
		return NewBoltStore(filepath.Join(dir, "state.db"))
	case KindFile:
		return NewFileStore(dir), nil
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnknownKind
	}
}
