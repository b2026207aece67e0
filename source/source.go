// Package source defines the remote asset source consumed by import sessions.
package source

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrChallengeRequired is returned by Open when the account needs an
	// out-of-band verification code.
	ErrChallengeRequired = errors.New("two-factor authentication required")
	// ErrInvalidCredential is returned by Open when the remote rejects the credential.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInvalidAccount is returned by Open for an account it cannot address.
	ErrInvalidAccount = errors.New("invalid account")
)

// Credentials identify and authenticate an account at the remote.
type Credentials struct {
	Account string
	Secret  string
	Code    string
}

// Asset is one remote item.
type Asset interface {
	// Filename is the display name; empty when the remote has none.
	Filename() string
	// Created is the creation time, if the remote reports one.
	Created() (time.Time, bool)
	// Fetch downloads the raw payload.
	Fetch(ctx context.Context) ([]byte, error)
}

// Library is an authenticated view of an account's assets.
type Library interface {
	// Assets yields assets in remote order. A non-nil error ends the
	// enumeration and is fatal for the run.
	Assets(ctx context.Context) iter.Seq2[Asset, error]
}

// Provider authenticates against the remote.
type Provider interface {
	Open(ctx context.Context, creds Credentials) (Library, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, creds Credentials) (Library, error)

// Open implements Provider.
func (f ProviderFunc) Open(ctx context.Context, creds Credentials) (Library, error) {
	return f(ctx, creds)
}
