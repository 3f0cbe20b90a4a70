package fetch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esglens/esglens/pkg/fetch"
)

// testFetcher admits loopback so httptest servers are reachable.
func testFetcher(cfg fetch.Config) *fetch.Fetcher {
	cfg.AllowPrivate = true
	return fetch.NewFetcher(cfg, nil)
}

func TestFetch_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "  Our total emissions\n\n\nfell by   35%\tin 2024.  ")
	}))
	defer srv.Close()

	doc, err := testFetcher(fetch.Config{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Our total emissions\n\nfell by 35% in 2024.", doc.Text)
	assert.Equal(t, fetch.ClassText, doc.Class)
	assert.Equal(t, srv.URL, doc.FinalURL)
}

func TestFetch_HTMLDropsBoilerplate(t *testing.T) {
	const page = `<html><head><title>Ignored</title>
<script>var tracker = "x";</script><style>.m{color:red}</style></head>
<body>
<nav><a href="/">Home</a><a href="/about">About</a></nav>
<header>MegaCorp Investor Relations</header>
<main>
<h1>Climate Report 2024</h1>
<p>We reduced carbon emissions by 35% against the 2020 baseline.</p>
<p>Scope 1 emissions: 48,200 tonnes CO2e.</p>
</main>
<footer>Copyright MegaCorp</footer>
</body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	doc, err := testFetcher(fetch.Config{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, fetch.ClassHTML, doc.Class)
	assert.Contains(t, doc.Text, "Climate Report 2024")
	assert.Contains(t, doc.Text, "We reduced carbon emissions by 35% against the 2020 baseline.")
	assert.Contains(t, doc.Text, "Scope 1 emissions: 48,200 tonnes CO2e.")
	assert.NotContains(t, doc.Text, "Home")
	assert.NotContains(t, doc.Text, "Investor Relations")
	assert.NotContains(t, doc.Text, "tracker")
	assert.NotContains(t, doc.Text, "Copyright")
	assert.NotContains(t, doc.Text, "Ignored")

	// Headline and paragraphs stay on separate lines.
	assert.Contains(t, doc.Text, "Climate Report 2024\n")
}

func TestFetch_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
		w.WriteHeader(code)
	}))
	defer srv.Close()

	f := testFetcher(fetch.Config{})

	_, err := f.Fetch(context.Background(), srv.URL+"/status/404")
	reason, ok := fetch.Reason(err)
	require.True(t, ok)
	assert.Equal(t, fetch.ReasonUpstream4xx, reason)

	var fe *fetch.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 404, fe.Status)

	_, err = f.Fetch(context.Background(), srv.URL+"/status/503")
	reason, ok = fetch.Reason(err)
	require.True(t, ok)
	assert.Equal(t, fetch.ReasonUpstream5xx, reason)
}

func TestFetch_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("a", 100))
	}))
	defer srv.Close()

	_, err := testFetcher(fetch.Config{MaxBodyBytes: 64}).Fetch(context.Background(), srv.URL)
	reason, ok := fetch.Reason(err)
	require.True(t, ok)
	assert.Equal(t, fetch.ReasonTooLarge, reason)
	assert.ErrorIs(t, err, fetch.ErrBodyTooLarge)
}

func TestFetch_TextCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "abcdefghijklmnop")
	}))
	defer srv.Close()

	doc, err := testFetcher(fetch.Config{MaxTextChars: 10}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", doc.Text)
}

func TestFetch_RedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		if hops <= 0 {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "landed")
			return
		}
		http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", srv.URL, hops-1), http.StatusFound)
	}))
	defer srv.Close()

	f := testFetcher(fetch.Config{})

	doc, err := f.Fetch(context.Background(), srv.URL+"/hop/5")
	require.NoError(t, err)
	assert.Equal(t, "landed", doc.Text)
	assert.Equal(t, srv.URL+"/hop/0", doc.FinalURL)

	_, err = f.Fetch(context.Background(), srv.URL+"/hop/6")
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrTooManyRedirects)
	reason, ok := fetch.Reason(err)
	require.True(t, ok)
	assert.Equal(t, fetch.ReasonDisallowed, reason)
}

func TestFetch_RedirectRevalidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://metadata.google.internal/computeMetadata/v1/", http.StatusFound)
	}))
	defer srv.Close()

	_, err := testFetcher(fetch.Config{}).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrHostNotAllowed)
	reason, ok := fetch.Reason(err)
	require.True(t, ok)
	assert.Equal(t, fetch.ReasonDisallowed, reason)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := testFetcher(fetch.Config{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), srv.URL)
	reason, ok := fetch.Reason(err)
	require.True(t, ok)
	assert.Equal(t, fetch.ReasonTimeout, reason)
}

func TestFetch_UnsupportedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "\x89PNG")
	}))
	defer srv.Close()

	_, err := testFetcher(fetch.Config{}).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, fetch.ErrUnsupportedType)
	reason, ok := fetch.Reason(err)
	require.True(t, ok)
	assert.Equal(t, fetch.ReasonDisallowed, reason)
}

func TestFetch_BrokenPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4 truncated garbage")
	}))
	defer srv.Close()

	_, err := testFetcher(fetch.Config{}).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, fetch.ErrNoContent)
}

func TestFetch_GuardRejectsBeforeDial(t *testing.T) {
	f := fetch.NewFetcher(fetch.Config{}, nil)

	for _, raw := range []string{
		"http://127.0.0.1/x",
		"http://localhost:9000/x",
		"ftp://example.com/report",
		"http://169.254.169.254/latest/meta-data/",
	} {
		_, err := f.Fetch(context.Background(), raw)
		require.Error(t, err, raw)
		reason, ok := fetch.Reason(err)
		require.True(t, ok, raw)
		assert.Equal(t, fetch.ReasonDisallowed, reason, raw)
	}
}

func TestCleanText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"plain words", "plain words"},
		{"a b", "a b"},
		{"one\ntwo", "one\ntwo"},
		{"one\n\n\n\ntwo", "one\n\ntwo"},
		{"tabs\tand  runs", "tabs and runs"},
		{"bell\x07char", "bellchar"},
		{"page one\fpage two", "page one\fpage two"},
		{"page one\n\f\npage two", "page one\fpage two"},
		{"  lead and trail \n", "lead and trail"},
		{"carriage\r\nreturn", "carriage\nreturn"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, fetch.CleanText(tc.in), "%q", tc.in)
	}
}

func TestFetch_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer srv.Close()

	_, err := testFetcher(fetch.Config{}).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, fetch.ErrNoContent)
	_, typed := fetch.Reason(err)
	assert.False(t, typed)
}

var errSentinel = errors.New("x")

func TestReason_NonFetchError(t *testing.T) {
	_, ok := fetch.Reason(errSentinel)
	assert.False(t, ok)
}
