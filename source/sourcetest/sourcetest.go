// Package sourcetest provides an in-memory source for tests.
package sourcetest

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"import-desk/source"
)

// Asset is a scripted remote item.
type Asset struct {
	Name string
	Time time.Time
	Data []byte
	// Failures is the number of Fetch calls that fail before one succeeds.
	// A negative value fails every call.
	Failures int
	// Gate, when set, is received from before Fetch returns.
	Gate chan struct{}
	// OnFetch, when set, runs at the start of every Fetch.
	OnFetch func()

	mu      sync.Mutex
	fetches int
}

// Filename implements source.Asset.
func (a *Asset) Filename() string { return a.Name }

// Created implements source.Asset.
func (a *Asset) Created() (time.Time, bool) { return a.Time, !a.Time.IsZero() }

// Fetch implements source.Asset.
func (a *Asset) Fetch(ctx context.Context) ([]byte, error) {
	if a.OnFetch != nil {
		a.OnFetch()
	}
	if a.Gate != nil {
		select {
		case <-a.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.Failures < 0 || a.fetches <= a.Failures {
		return nil, errors.New("simulated fetch failure")
	}
	return append([]byte(nil), a.Data...), nil
}

// Fetches returns how many times Fetch was called.
func (a *Asset) Fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// Library enumerates a fixed list of assets.
type Library struct {
	Items []*Asset
	// Err, when set, is yielded after the items.
	Err error
}

// Assets implements source.Library.
func (l *Library) Assets(ctx context.Context) iter.Seq2[source.Asset, error] {
	return func(yield func(source.Asset, error) bool) {
		for _, item := range l.Items {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if l.Err != nil {
			yield(nil, l.Err)
		}
	}
}

// Provider returns Library for any credentials, or OpenErr when set. When
// Code is set, Open returns source.ErrChallengeRequired unless the
// credentials carry the same code.
type Provider struct {
	Library *Library
	OpenErr error
	Code    string

	mu    sync.Mutex
	opens []source.Credentials
}

// Open implements source.Provider.
func (p *Provider) Open(_ context.Context, creds source.Credentials) (source.Library, error) {
	p.mu.Lock()
	p.opens = append(p.opens, creds)
	p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Code != "" && creds.Code != p.Code {
		return nil, source.ErrChallengeRequired
	}
	return p.Library, nil
}

// Opens returns the credentials of every Open call.
func (p *Provider) Opens() []source.Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]source.Credentials(nil), p.opens...)
}
