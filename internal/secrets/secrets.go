// Package secrets resolves credential references found in the config file.
// A value such as "env://ANTHROPIC_API_KEY" or "vault://secret/data/crucible#openai"
// is replaced by the secret it points at; any other value is taken literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves references of a single scheme. ref has the scheme
// prefix already stripped. Implementations must be safe for concurrent use.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to the provider registered for their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a Resolver that understands env:// and file://
// references plus whatever extra providers are given.
func NewResolver(extra ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	for _, p := range append([]Provider{Env{}, File{}}, extra...) {
		r.providers[p.Scheme()] = p
	}
	return r
}

// IsReference reports whether value names a scheme the resolver knows.
func (r *Resolver) IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	if !ok {
		return false
	}
	_, known := r.providers[scheme]
	return known
}

// Resolve returns the secret behind value, or value itself when it is not a
// reference. Empty values stay empty.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, ref, ok := strings.Cut(value, "://")
	if !ok {
		return value, nil
	}
	p, known := r.providers[scheme]
	if !known {
		return value, nil
	}
	secret, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference: %w", scheme, err)
	}
	return secret, nil
}

// ResolveAll resolves every pointer in place, stopping at the first error.
func (r *Resolver) ResolveAll(ctx context.Context, values ...*string) error {
	for _, v := range values {
		if v == nil || *v == "" {
			continue
		}
		resolved, err := r.Resolve(ctx, *v)
		if err != nil {
			return err
		}
		*v = resolved
	}
	return nil
}

// Env reads env://NAME references.
type Env struct{}

func (Env) Scheme() string { return "env" }

func (Env) Resolve(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
	}
	return value, nil
}

// File reads file:///path references, as mounted by Docker or Kubernetes
// secrets. Surrounding whitespace is trimmed.
type File struct{}

func (File) Scheme() string { return "file" }

func (File) Resolve(_ context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrSecretNotFound)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: file %q does not exist", ErrSecretNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%w: file %q is empty", ErrSecretNotFound, path)
	}
	return value, nil
}
