// Package fetch acquires disclosure content from user-supplied URLs.
// It enforces the outbound egress policy (scheme allowlist, private and
// reserved address rejection, redirect re-validation), caps body size,
// and turns HTML, PDF, and plain-text responses into cleaned text ready
// for scoring. Fetches are never retried.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/html/charset"
)

// Acquisition limits.
const (
	DefaultMaxBodyBytes = int64(10 << 20)
	DefaultMaxTextChars = 200_000

	defaultTimeout        = 15 * time.Second
	defaultConnectTimeout = 5 * time.Second
	maxRedirects          = 5
	defaultUserAgent      = "esglens/1.0 (+https://esglens.io)"
)

// MIME classes reported on acquired documents.
const (
	ClassHTML = "html"
	ClassPDF  = "pdf"
	ClassText = "text"
)

// Config tunes a Fetcher. Zero values take the defaults above.
type Config struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxBodyBytes   int64
	MaxTextChars   int
	UserAgent      string

	// AllowPrivate admits loopback and RFC 1918 targets for
	// deployments that analyze intranet-hosted reports.
	AllowPrivate bool
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = DefaultMaxTextChars
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
}

// Document is the cleaned result of one acquisition.
type Document struct {
	Text     string
	Class    string // html | pdf | text
	FinalURL string
	Bytes    int64
}

// Fetcher acquires and cleans remote disclosure content. Safe for
// concurrent use.
type Fetcher struct {
	cfg    Config
	guard  *Guard
	client *http.Client
	log    *slog.Logger
}

// NewFetcher builds a fetcher with the egress guard wired into the
// dialer, so redirected and DNS-resolved addresses are validated on
// every hop. The proxy environment is deliberately ignored: a proxy
// would bypass the address checks.
func NewFetcher(cfg Config, log *slog.Logger) *Fetcher {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	guard := NewGuard(cfg.AllowPrivate)

	dialer := &net.Dialer{
		Timeout: cfg.ConnectTimeout,
		Control: guard.control,
	}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        32,
		IdleConnTimeout:     60 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return &Error{Reason: ReasonDisallowed, URL: req.URL.String(), Err: ErrTooManyRedirects}
			}
			if err := guard.CheckURL(req.URL); err != nil {
				return &Error{Reason: ReasonDisallowed, URL: req.URL.String(), Err: err}
			}
			return nil
		},
	}
	return &Fetcher{cfg: cfg, guard: guard, client: client, log: log}
}

// Guard exposes the fetcher's egress guard.
func (f *Fetcher) Guard() *Guard { return f.guard }

// Fetch acquires one URL and returns its cleaned text. Errors are
// *Error values carrying a wire sub-reason, except ErrNoContent which
// marks an input that produced no text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Reason: ReasonDisallowed, URL: rawURL, Err: fmt.Errorf("parse url: %w", err)}
	}
	if err := f.guard.CheckURL(u); err != nil {
		return nil, &Error{Reason: ReasonDisallowed, URL: rawURL, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Reason: ReasonDisallowed, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html, application/pdf, text/plain;q=0.9, */*;q=0.1")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.wrapTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &Error{Reason: ReasonUpstream4xx, URL: rawURL, Status: resp.StatusCode}
	default:
		return nil, &Error{Reason: ReasonUpstream5xx, URL: rawURL, Status: resp.StatusCode}
	}

	if resp.ContentLength > f.cfg.MaxBodyBytes {
		return nil, &Error{Reason: ReasonTooLarge, URL: rawURL, Err: ErrBodyTooLarge}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, f.wrapTransportError(rawURL, err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, &Error{Reason: ReasonTooLarge, URL: rawURL, Err: ErrBodyTooLarge}
	}

	contentType := resp.Header.Get("Content-Type")
	class, err := classify(contentType, body)
	if err != nil {
		return nil, &Error{Reason: ReasonDisallowed, URL: rawURL, Err: err}
	}

	text, err := f.extract(class, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("extract %s from %s (%v): %w", class, rawURL, err, ErrNoContent)
	}
	text = truncateRunes(CleanText(text), f.cfg.MaxTextChars)
	if text == "" {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrNoContent)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	f.log.Debug("content acquired",
		"url", finalURL,
		"class", class,
		"bytes", len(body),
		"chars", len(text),
		"elapsed", time.Since(start))

	return &Document{
		Text:     text,
		Class:    class,
		FinalURL: finalURL,
		Bytes:    int64(len(body)),
	}, nil
}

func (f *Fetcher) extract(class, contentType string, body []byte) (string, error) {
	switch class {
	case ClassHTML:
		r, err := charset.NewReader(bytes.NewReader(body), contentType)
		if err != nil {
			r = bytes.NewReader(body)
		}
		return extractHTML(r)
	case ClassPDF:
		return extractPDF(body)
	default:
		r, err := charset.NewReader(bytes.NewReader(body), contentType)
		if err != nil {
			r = bytes.NewReader(body)
		}
		decoded, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}
}

// wrapTransportError maps client errors onto wire sub-reasons. Typed
// errors produced by the redirect and guard hooks pass through.
func (f *Fetcher) wrapTransportError(rawURL string, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrSchemeNotAllowed) || errors.Is(err, ErrHostNotAllowed) || errors.Is(err, ErrAddressNotAllowed) {
		return &Error{Reason: ReasonDisallowed, URL: rawURL, Err: err}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Reason: ReasonTimeout, URL: rawURL, Err: err}
	}
	return &Error{Reason: ReasonUpstream5xx, URL: rawURL, Err: err}
}

// classify maps a Content-Type onto a document class, sniffing the
// body when the header is absent or generic.
func classify(contentType string, body []byte) (string, error) {
	mt := contentType
	if mt != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mt = parsed
		}
	}
	if mt == "" || mt == "application/octet-stream" {
		mt, _, _ = mime.ParseMediaType(http.DetectContentType(body))
	}
	switch mt {
	case "text/html", "application/xhtml+xml":
		return ClassHTML, nil
	case "application/pdf", "application/x-pdf":
		return ClassPDF, nil
	case "text/plain":
		return ClassText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mt)
}
