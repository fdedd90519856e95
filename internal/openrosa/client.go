package openrosa

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/metrics"
)

const (
	VersionHeader = "X-OpenRosa-Version"
	Version       = "1.0"

	// DefaultUserAgent identifies the client on every request.
	DefaultUserAgent = "org.odk.collect/go"
)

// GetResult is a successful GET.
type GetResult struct {
	Body       []byte
	Hash       string
	Header     http.Header
	IsOpenRosa bool
}

// HeadResult is the outcome of a HEAD request. Any status is a result; only
// transport failures are errors.
type HeadResult struct {
	StatusCode int
	Header     http.Header
}

// PostResult is the response to the last submission POST that was sent.
type PostResult struct {
	StatusCode int
	Message    string
	Header     http.Header
}

// Accepted reports whether the server took the submission.
func (r *PostResult) Accepted() bool {
	return r.StatusCode == http.StatusCreated || r.StatusCode == http.StatusAccepted
}

type Options struct {
	// Transport is the underlying round tripper, http.DefaultTransport if nil.
	Transport http.RoundTripper
	Timeout   time.Duration
	UserAgent string
	Logger    logging.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Client speaks OpenRosa over HTTP. Authentication state is cached per host
// for the lifetime of the client.
type Client struct {
	http      *http.Client
	userAgent string
	log       logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		http: &http.Client{
			Transport: newAuthTransport(opts.Transport),
			Timeout:   opts.Timeout,
		},
		userAgent: opts.UserAgent + " " + runtime.Version(),
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

func (c *Client) newRequest(ctx context.Context, method, uri string, body []byte, creds *Credentials) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(withCredentials(ctx, creds), method, uri, r)
	if err != nil {
		return nil, &Error{Kind: KindFetch, Message: "invalid url " + uri, Err: err}
	}
	req.Header.Set(VersionHeader, Version)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(req.URL.String(), err)
	}
	return res, nil
}

// Get fetches uri. A non-empty contentType must appear in the response
// Content-Type, otherwise the response is treated as coming from a proxy or
// captive portal.
func (c *Client) Get(ctx context.Context, uri, contentType string, creds *Credentials) (*GetResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, uri, nil, creds)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuthRequired, Message: "authentication required for " + uri, StatusCode: res.StatusCode}
	default:
		return nil, &Error{Kind: KindFetch, Message: fmt.Sprintf("fetching %s returned %s", uri, res.Status), StatusCode: res.StatusCode}
	}

	if contentType != "" && !strings.Contains(res.Header.Get("Content-Type"), contentType) {
		return nil, &Error{
			Kind:       KindContentType,
			Message:    fmt.Sprintf("expected %s from %s but got %q", contentType, uri, res.Header.Get("Content-Type")),
			StatusCode: res.StatusCode,
		}
	}

	body, err := readBody(res)
	if err != nil {
		return nil, &Error{Kind: KindIO, Message: "reading response from " + uri, Err: err}
	}
	sum := md5.Sum(body)
	return &GetResult{
		Body:       body,
		Hash:       hex.EncodeToString(sum[:]),
		Header:     res.Header,
		IsOpenRosa: res.Header.Get(VersionHeader) != "",
	}, nil
}

// Head sends HEAD to uri without following redirects.
func (c *Client) Head(ctx context.Context, uri string, creds *Credentials) (*HeadResult, error) {
	req, err := c.newRequest(ctx, http.MethodHead, uri, nil, creds)
	if err != nil {
		return nil, err
	}
	client := *c.http
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	res, err := client.Do(req)
	if err != nil {
		return nil, transportError(uri, err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
	return &HeadResult{StatusCode: res.StatusCode, Header: res.Header}, nil
}

func (c *Client) post(ctx context.Context, uri, contentType string, body []byte, creds *Credentials) (*PostResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, uri, body, creds)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	c.metrics.SubmissionPosted(res.StatusCode)

	data, err := readBody(res)
	if err != nil {
		return nil, &Error{Kind: KindIO, Message: "reading response from " + uri, Err: err}
	}
	msg := responseMessage(data)
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	return &PostResult{StatusCode: res.StatusCode, Message: msg, Header: res.Header}, nil
}

func readBody(res *http.Response) ([]byte, error) {
	var r io.Reader = res.Body
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// responseMessage extracts <OpenRosaResponse><message> if the body is one.
func responseMessage(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return ""
	}
	root := doc.Root()
	if root == nil || root.Tag != "OpenRosaResponse" {
		return ""
	}
	if m := root.SelectElement("message"); m != nil {
		return strings.TrimSpace(m.Text())
	}
	return ""
}
