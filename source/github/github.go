// Package github reads import assets from the release assets of a GitHub
// repository. The session account is "{owner}/{repository}" and the
// credential is a personal access token.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"

	"import-desk/config"
	"import-desk/logging"
	"import-desk/source"
	"import-desk/validate"
)

const (
	// DefaultPerPage is the release page size.
	DefaultPerPage = 100
	// DefaultTimeout bounds each API call and asset download.
	DefaultTimeout = 60 * time.Second
)

// loggingTransport wraps an http.RoundTripper to log requests.
type loggingTransport struct {
	transport http.RoundTripper
}

// RoundTrip logs the request and delegates to the wrapped transport.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	logging.Debugf("API: %s %s", req.Method, req.URL)
	return t.transport.RoundTrip(req)
}

// Provider opens release-asset libraries.
type Provider struct {
	BaseURL string
	PerPage int
	App     config.GitHubApp
	Timeout time.Duration
	// Transport is the base round tripper; http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// NewProvider builds a provider from the source configuration.
func NewProvider(cfg config.Source) *Provider {
	return &Provider{
		BaseURL: cfg.GitHub.BaseURL,
		PerPage: cfg.GitHub.PerPage,
		App:     cfg.GitHub.App,
		Timeout: cfg.Timeout.Duration(),
	}
}

// Open implements source.Provider. It checks the credential by reading the
// repository before returning the library.
func (p *Provider) Open(ctx context.Context, creds source.Credentials) (source.Library, error) {
	owner, repo, err := validate.ParseRepository(creds.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrInvalidAccount, err)
	}

	client, err := p.initClient(ctx, owner, creds)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	if _, _, err := client.Repositories.Get(callCtx, owner, repo); err != nil {
		return nil, classify(err)
	}

	perPage := p.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	return &Library{
		client:   client,
		download: &http.Client{Transport: p.baseTransport(), Timeout: p.timeout()},
		owner:    owner,
		repo:     repo,
		perPage:  perPage,
		timeout:  p.timeout(),
	}, nil
}

func (p *Provider) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

func (p *Provider) baseTransport() http.RoundTripper {
	if p.Transport != nil {
		return p.Transport
	}
	return http.DefaultTransport
}

// initClient picks the authentication method: GitHub App when configured,
// basic auth with a one-time password when a code is supplied, otherwise
// the secret as a token.
func (p *Provider) initClient(ctx context.Context, owner string, creds source.Credentials) (*github.Client, error) {
	var transport http.RoundTripper

	switch {
	case p.App.Configured():
		tr, err := ghinstallation.New(p.baseTransport(), p.App.AppID, p.App.InstallationID, []byte(p.App.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create github app transport: %w", err)
		}
		if p.BaseURL != "" {
			tr.BaseURL = strings.TrimSuffix(p.BaseURL, "/")
		}
		transport = tr
	case creds.Code != "":
		basic := &github.BasicAuthTransport{
			Username:  owner,
			Password:  creds.Secret,
			OTP:       creds.Code,
			Transport: p.baseTransport(),
		}
		transport = basic
	case creds.Secret != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Secret})
		transport = &oauth2.Transport{Source: ts, Base: p.baseTransport()}
	default:
		return nil, fmt.Errorf("%w: no credential supplied", source.ErrInvalidCredential)
	}

	if config.Debug {
		transport = &loggingTransport{transport: transport}
	}
	client := github.NewClient(&http.Client{Transport: transport})

	if p.BaseURL != "" {
		base := p.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// classify maps API errors onto the source sentinels.
func classify(err error) error {
	var twoFactor *github.TwoFactorAuthError
	if errors.As(err, &twoFactor) {
		return fmt.Errorf("%w: %v", source.ErrChallengeRequired, err)
	}
	var resp *github.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		switch resp.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", source.ErrInvalidCredential, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", source.ErrInvalidAccount, err)
		}
	}
	return err
}

// Library enumerates the assets of every release, newest release first.
type Library struct {
	client   *github.Client
	download *http.Client
	owner    string
	repo     string
	perPage  int
	timeout  time.Duration
}

// Assets implements source.Library.
func (l *Library) Assets(ctx context.Context) iter.Seq2[source.Asset, error] {
	return func(yield func(source.Asset, error) bool) {
		page := 1
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			callCtx, cancel := context.WithTimeout(ctx, l.timeout)
			releases, resp, err := l.client.Repositories.ListReleases(callCtx, l.owner, l.repo, &github.ListOptions{Page: page, PerPage: l.perPage})
			cancel()
			if err != nil {
				yield(nil, fmt.Errorf("failed to fetch release page %d: %w", page, classify(err)))
				return
			}
			logging.Debugf("github: %d releases on page %d", len(releases), page)

			for _, release := range releases {
				for _, asset := range release.Assets {
					if !yield(&releaseAsset{lib: l, asset: asset}, nil) {
						return
					}
				}
			}

			if resp == nil || resp.NextPage == 0 {
				return
			}
			page = resp.NextPage
		}
	}
}

type releaseAsset struct {
	lib   *Library
	asset *github.ReleaseAsset
}

func (a *releaseAsset) Filename() string { return a.asset.GetName() }

func (a *releaseAsset) Created() (time.Time, bool) {
	if a.asset.CreatedAt == nil {
		return time.Time{}, false
	}
	return a.asset.CreatedAt.Time, !a.asset.CreatedAt.Time.IsZero()
}

func (a *releaseAsset) Fetch(ctx context.Context) ([]byte, error) {
	l := a.lib
	rc, redirect, err := l.client.Repositories.DownloadReleaseAsset(ctx, l.owner, l.repo, a.asset.GetID(), l.download)
	if err != nil {
		return nil, fmt.Errorf("failed to download asset %s: %w", a.asset.GetName(), classify(err))
	}
	if rc == nil {
		return nil, fmt.Errorf("asset %s redirected to %s without content", a.asset.GetName(), redirect)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset %s: %w", a.asset.GetName(), err)
	}
	return data, nil
}
