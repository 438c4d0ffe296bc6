// Package provider abstracts "a named file whose bytes I can read and
// write and whose last-modified time I can query", the only capability
// the sync engine needs from its storage backend.
//
// Two implementations register themselves here: a local filesystem file
// and a remote drive file behind an HTTP endpoint. The orchestrator
// depends only on the Provider interface and is backend-agnostic.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound means the sync file does not exist yet. The orchestrator
	// treats this as "nothing to merge" and creates the file on next save.
	ErrNotFound = errors.New("sync file not found")

	// ErrPermission means access was denied (revoked grant, expired
	// token). Recoverable: the orchestrator surfaces needs-permission and
	// retries after the user re-grants.
	ErrPermission = errors.New("permission denied")
)

// Provider is a storage backend for the single shared sync file.
type Provider interface {
	// Read returns the file contents, or ErrNotFound if it does not exist.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the file contents.
	Write(ctx context.Context, data []byte) error

	// LastModified returns the file's modification time, or ErrNotFound.
	// This is the lightweight probe the poll loop uses; it must be
	// cheaper than a full Read.
	LastModified(ctx context.Context) (time.Time, error)

	// DisplayName identifies the file for status messages.
	DisplayName() string
}

// ChangeNotifier is an optional capability: providers that can push
// change hints (instead of relying purely on polling) implement it.
type ChangeNotifier interface {
	// Changes emits a signal whenever the file may have changed
	// externally. The channel closes when ctx is done.
	Changes(ctx context.Context) (<-chan struct{}, error)
}

// Type tags a provider implementation.
type Type string

const (
	// TypeLocalFile is a file on the local filesystem (typically inside a
	// synced folder such as a mounted network drive).
	TypeLocalFile Type = "local-file"

	// TypeDrive is a file on a cloud drive behind an HTTP endpoint.
	TypeDrive Type = "drive"
)

// Config selects and parameterizes a provider.
type Config struct {
	Type Type `mapstructure:"type"`

	// Path is the file path for local-file providers.
	Path string `mapstructure:"path"`

	// URL and Token address the file for drive providers.
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// Constructor builds a provider from its config.
// Implementations register themselves with Register from init().
type Constructor func(cfg Config) (Provider, error)

var (
	registry   = make(map[Type]Constructor)
	registryMu sync.RWMutex
)

// Register registers a provider constructor. Called from init() in
// implementation files.
func Register(t Type, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("provider: Register constructor is nil for type %s", t))
	}
	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("provider: Register called twice for type %s", t))
	}
	registry[t] = constructor
}

// New builds a provider for the given config.
func New(cfg Config) (Provider, error) {
	registryMu.RLock()
	constructor := registry[cfg.Type]
	registryMu.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	return constructor(cfg)
}

// RegisteredTypes returns all registered provider types.
func RegisteredTypes() []Type {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}
