package openrosa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/icholy/digest"
)

// Credentials for a server. An empty username means anonymous.
type Credentials struct {
	Username string
	Password string
}

func (c *Credentials) empty() bool {
	return c == nil || c.Username == ""
}

type credentialsKey struct{}

func withCredentials(ctx context.Context, creds *Credentials) context.Context {
	if creds.empty() {
		return ctx
	}
	return context.WithValue(ctx, credentialsKey{}, creds)
}

func credentialsFrom(ctx context.Context) *Credentials {
	c, _ := ctx.Value(credentialsKey{}).(*Credentials)
	return c
}

type hostAuth struct {
	basic     bool
	challenge *digest.Challenge
	count     int
}

// authTransport remembers the last challenge per host so that requests after
// the first one are pre-authorized instead of paying a 401 round trip.
type authTransport struct {
	base http.RoundTripper

	mu    sync.Mutex
	hosts map[string]*hostAuth
}

func newAuthTransport(base http.RoundTripper) *authTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, hosts: make(map[string]*hostAuth)}
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds := credentialsFrom(req.Context())
	if creds.empty() {
		return t.base.RoundTrip(req)
	}
	if req.Body != nil {
		defer req.Body.Close()
	}

	first, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	if err := t.authorize(first, creds); err != nil {
		return nil, err
	}
	res, err := t.base.RoundTrip(first)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}

	// Retry once, but only when the server sent a challenge we can answer.
	if !t.learn(req, res.Header) {
		return res, nil
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	if err := t.authorize(retry, creds); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(retry)
}

// authorize adds an Authorization header from the cached host state.
func (t *authTransport) authorize(req *http.Request, creds *Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.hosts[req.URL.Host]
	switch {
	case h == nil:
		return nil
	case h.challenge != nil:
		h.count++
		cred, err := digest.Digest(h.challenge, digest.Options{
			Method:   req.Method,
			URI:      req.URL.RequestURI(),
			GetBody:  req.GetBody,
			Count:    h.count,
			Username: creds.Username,
			Password: creds.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to compute digest: %w", err)
		}
		req.Header.Set("Authorization", cred.String())
	case h.basic && req.URL.Scheme == "https":
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	return nil
}

// learn caches the challenge from a 401 response and reports whether it can
// be answered.
func (t *authTransport) learn(req *http.Request, header http.Header) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chal, err := digest.FindChallenge(header); err == nil {
		prev := t.hosts[req.URL.Host]
		h := &hostAuth{challenge: chal}
		if prev != nil && prev.challenge != nil && prev.challenge.Nonce == chal.Nonce && !chal.Stale {
			// Same nonce rejected again: the credentials are wrong.
			h.count = prev.count
			t.hosts[req.URL.Host] = h
			return false
		}
		t.hosts[req.URL.Host] = h
		return true
	}
	for _, v := range header.Values("WWW-Authenticate") {
		if strings.HasPrefix(strings.ToLower(v), "basic") && req.URL.Scheme == "https" {
			prev := t.hosts[req.URL.Host]
			t.hosts[req.URL.Host] = &hostAuth{basic: true}
			return prev == nil || !prev.basic
		}
	}
	return false
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body for %s cannot be replayed", req.URL)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}
