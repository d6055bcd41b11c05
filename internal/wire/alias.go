package wire

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownAlias is returned when a peer references an alias it never
// declared.
var ErrUnknownAlias = errors.New("unknown key expression alias")

// AliasTable holds the aliases declared by the remote side of one session.
// It is safe for concurrent use.
type AliasTable struct {
	mu      sync.RWMutex
	aliases map[uint64]string
}

// NewAliasTable returns an empty table.
func NewAliasTable() *AliasTable {
	return &AliasTable{aliases: make(map[uint64]string)}
}

// Declare binds id to key. Redeclaring an id replaces its key.
func (t *AliasTable) Declare(id uint64, key string) error {
	if id == 0 {
		return fmt.Errorf("%w: alias 0 is reserved", ErrMalformedMessage)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases[id] = key
	return nil
}

// Undeclare removes id.
func (t *AliasTable) Undeclare(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.aliases[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAlias, id)
	}
	delete(t.aliases, id)
	return nil
}

// Resolve expands ref into the full key expression string.
func (t *AliasTable) Resolve(ref KeyRef) (string, error) {
	if ref.Alias == 0 {
		return ref.Suffix, nil
	}
	t.mu.RLock()
	prefix, ok := t.aliases[ref.Alias]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownAlias, ref.Alias)
	}
	if ref.Suffix == "" {
		return prefix, nil
	}
	return prefix + "/" + ref.Suffix, nil
}

// Len returns the number of live aliases.
func (t *AliasTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.aliases)
}
