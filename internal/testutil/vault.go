package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"flowsync/internal/flow"
	"flowsync/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}

// ErrInjected is returned by FaultyVault for scripted failures.
var ErrInjected = errors.New("injected vault failure")

// FaultyVault wraps a vault and fails or corrupts puts on demand.
type FaultyVault struct {
	flow.Vault

	mu sync.Mutex
	// FailPuts fails this many PutFile calls before letting them through.
	FailPuts int
	// FailFiles fails every PutFile of the named files.
	FailFiles map[string]bool
	// BadETag makes successful puts report a digest that matches nothing.
	BadETag bool
	calls   map[string]int
}

// NewFaultyVault wraps inner.
func NewFaultyVault(inner flow.Vault) *FaultyVault {
	return &FaultyVault{Vault: inner, FailFiles: map[string]bool{}, calls: map[string]int{}}
}

func (f *FaultyVault) PutFile(ctx context.Context, dir, name string, r io.Reader, size int64, contentMD5, contentType string) (string, error) {
	f.mu.Lock()
	f.calls[name]++
	fail := f.FailFiles[name]
	if !fail && f.FailPuts > 0 {
		f.FailPuts--
		fail = true
	}
	bad := f.BadETag
	f.mu.Unlock()

	if fail {
		io.Copy(io.Discard, r)
		return "", &flow.TransportError{Op: fmt.Sprintf("put %s/%s", dir, name), StatusCode: 503, Err: ErrInjected}
	}
	etag, err := f.Vault.PutFile(ctx, dir, name, r, size, contentMD5, contentType)
	if err != nil || !bad {
		return etag, err
	}
	return `"00000000000000000000000000000000"`, nil
}

// Calls returns how many times name was put.
func (f *FaultyVault) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// TotalCalls returns the number of PutFile calls across all files.
func (f *FaultyVault) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}
