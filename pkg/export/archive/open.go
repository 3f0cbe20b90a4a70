package archive

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Open builds a store from an archive URL:
//
//	file:///var/lib/esglens/exports
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
//	gs://bucket/prefix
//
// An empty URL returns a nil store, meaning archiving is disabled.
// The gs scheme requires a binary built with the gcp tag.
func Open(ctx context.Context, rawURL string) (Store, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("archive: parse url: %w", err)
	}
	switch u.Scheme {
	case "file":
		return NewFileStore(filepath.FromSlash(u.Path))
	case "s3":
		q := u.Query()
		return NewS3Store(ctx, u.Host, objectPrefix(u.Path), q.Get("region"), q.Get("endpoint"))
	case "gs":
		return openGCS(ctx, u.Host, objectPrefix(u.Path))
	default:
		return nil, fmt.Errorf("archive: unsupported scheme %q", u.Scheme)
	}
}

// objectPrefix turns a URL path into an object key prefix with a
// trailing slash, or "" for the bucket root.
func objectPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
