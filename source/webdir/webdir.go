// Package webdir reads import assets from an HTML directory listing. The
// session account is the listing URL; the credential, when set, is sent as
// a bearer token.
package webdir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/net/html"

	"import-desk/config"
	"import-desk/logging"
	"import-desk/source"
)

const DefaultUserAgent = "import-desk"

// DefaultExtensions are the file types linked from a listing that are imported.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".heic"}

// Provider opens directory listings over HTTP.
type Provider struct {
	Client     *http.Client
	Extensions []string
	UserAgent  string
}

// NewProvider builds a provider from the source configuration.
func NewProvider(cfg config.Source) *Provider {
	return &Provider{
		Client:     &http.Client{Timeout: cfg.Timeout.Duration()},
		Extensions: cfg.WebDir.Extensions,
		UserAgent:  cfg.WebDir.UserAgent,
	}
}

// Open implements source.Provider. The listing is fetched once; its links
// are the library.
func (p *Provider) Open(ctx context.Context, creds source.Credentials) (source.Library, error) {
	base, err := url.Parse(strings.TrimSpace(creds.Account))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: listing must be an http(s) URL", source.ErrInvalidAccount)
	}

	resp, err := p.do(ctx, http.MethodGet, base.String(), creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("listing GET %s: %w", base, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: listing returned %s", source.ErrInvalidCredential, resp.Status)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: listing returned %s", source.ErrInvalidAccount, resp.Status)
	default:
		return nil, fmt.Errorf("listing status %s: %s", resp.Status, base)
	}
	if readErr != nil {
		return nil, fmt.Errorf("listing read %s: %w", base, readErr)
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("listing parse HTML %s: %w", base, err)
	}

	exts := p.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	var links []*url.URL
	seen := make(map[string]struct{})
	for _, href := range ParseLinks(root, exts...) {
		abs, err := base.Parse(href)
		if err != nil {
			logging.Debugf("webdir: skip unresolvable link %q: %v", href, err)
			continue
		}
		if _, ok := seen[abs.String()]; ok {
			continue
		}
		seen[abs.String()] = struct{}{}
		links = append(links, abs)
	}
	logging.Debugf("webdir: %d links in %s", len(links), base)

	return &Library{provider: p, links: links, secret: creds.Secret}, nil
}

func (p *Provider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *Provider) do(ctx context.Context, method, target, secret string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	ua := p.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return p.client().Do(req)
}

// ParseLinks returns the href of every <a> element ending with one of the
// given extensions (case-insensitive), in document order.
func ParseLinks(n *html.Node, extensions ...string) []string {
	var out []string
	var walk func(*html.Node)

	walk = func(nd *html.Node) {
		if nd.Type == html.ElementNode && nd.Data == "a" {
			for _, a := range nd.Attr {
				if a.Key != "href" {
					continue
				}
				if hasExtension(a.Val, extensions) {
					out = append(out, a.Val)
				}
				break
			}
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)
	return out
}

func hasExtension(href string, extensions []string) bool {
	lower := strings.ToLower(href)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Library is the set of links found in one listing.
type Library struct {
	provider *Provider
	links    []*url.URL
	secret   string
}

// Assets implements source.Library. Creation times come from a HEAD
// request's Last-Modified header when the server sends one.
func (l *Library) Assets(ctx context.Context) iter.Seq2[source.Asset, error] {
	return func(yield func(source.Asset, error) bool) {
		for _, link := range l.links {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			a := &linkAsset{lib: l, url: link}
			a.created = l.lastModified(ctx, link)
			if !yield(a, nil) {
				return
			}
		}
	}
}

func (l *Library) lastModified(ctx context.Context, link *url.URL) time.Time {
	resp, err := l.provider.do(ctx, http.MethodHead, link.String(), l.secret)
	if err != nil {
		return time.Time{}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}
	}
	t, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		return time.Time{}
	}
	return t
}

type linkAsset struct {
	lib     *Library
	url     *url.URL
	created time.Time
}

func (a *linkAsset) Filename() string {
	name := path.Base(a.url.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

func (a *linkAsset) Created() (time.Time, bool) {
	return a.created, !a.created.IsZero()
}

func (a *linkAsset) Fetch(ctx context.Context) ([]byte, error) {
	resp, err := a.lib.provider.do(ctx, http.MethodGet, a.url.String(), a.lib.secret)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", a.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %s", a.url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.url, err)
	}
	return data, nil
}
