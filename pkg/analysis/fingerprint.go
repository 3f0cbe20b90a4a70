package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gowebpki/jcs"
)

// fingerprintInput is the identity of an analysis: every request field
// that changes the computed document, and nothing else. Caller identity
// stays out so equal requests share one cache entry.
type fingerprintInput struct {
	URL        string   `json:"url,omitempty"`
	TextSHA256 string   `json:"text_sha256,omitempty"`
	Kind       string   `json:"kind"`
	Frameworks []string `json:"frameworks"`
	Industry   string   `json:"industry,omitempty"`
	Metrics    bool     `json:"metrics,omitempty"`
}

// Fingerprint derives the cache identity for a request: the canonical
// input document serialized per RFC 8785 and hashed with SHA-256, as
// lowercase hex. Equivalent requests (same content, kind, frameworks
// and industry) produce the same fingerprint.
func Fingerprint(r Request) (string, error) {
	v, err := r.validate()
	if err != nil {
		return "", err
	}
	return v.fingerprint()
}

func (v request) fingerprint() (string, error) {
	in := fingerprintInput{
		Kind:       v.kind,
		Frameworks: v.frameworkTags(),
		Industry:   strings.ToLower(strings.TrimSpace(v.IndustrySector)),
		Metrics:    v.extract(),
	}
	if v.hasURL() {
		canon, err := CanonicalURL(v.URL)
		if err != nil {
			return "", &ValidationError{Field: "url", Reason: err.Error()}
		}
		in.URL = canon
	} else {
		sum := sha256.Sum256([]byte(v.Text))
		in.TextSHA256 = hex.EncodeToString(sum[:])
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalURL folds a URL onto its canonical form: scheme and host
// lowercased, default ports stripped, fragment dropped, empty path
// written as "/". Query order is preserved; reordering parameters is a
// different request.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url must be absolute")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		host := u.Hostname()
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		u.Host = host
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
