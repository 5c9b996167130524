package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

const sampleFeed = `# IPsum Threat Intelligence Feed
# (https://github.com/stamparm/ipsum)
#
# Last update: Sat, 17 Oct 2026 03:00:01 +0200
#
# IP	number of (black)lists
#
185.224.128.17	9
45.148.10.121	7
not-an-ip	5
194.26.192.64	2
45.148.10.121	7

2001:db8::1	1
`

func TestParse_AdmitsEveryValidLineByDefault(t *testing.T) {
	result, err := Parse(strings.NewReader(sampleFeed), 0)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	want := []string{"185.224.128.17", "45.148.10.121", "194.26.192.64", "2001:db8::1"}
	if !reflect.DeepEqual(result.Addresses, want) {
		t.Fatalf("Addresses = %v, want %v", result.Addresses, want)
	}
	if result.Invalid != 1 {
		t.Fatalf("Invalid = %d, want 1", result.Invalid)
	}
	if result.Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", result.Duplicates)
	}
}

func TestParse_MinHitsThreshold(t *testing.T) {
	result, err := Parse(strings.NewReader(sampleFeed), 3)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	want := []string{"185.224.128.17", "45.148.10.121"}
	if !reflect.DeepEqual(result.Addresses, want) {
		t.Fatalf("Addresses = %v, want %v", result.Addresses, want)
	}
	if result.BelowThreshold != 2 {
		t.Fatalf("BelowThreshold = %d, want 2", result.BelowThreshold)
	}
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("User-Agent = %q, want %q", ua, userAgent)
		}
		_, _ = io.WriteString(w, sampleFeed)
	}))
	defer srv.Close()

	f, err := NewFetcher(Options{URL: srv.URL}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	ips, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(ips) != 4 {
		t.Fatalf("Fetch returned %d addresses, want 4", len(ips))
	}
}

func TestFetcher_FetchRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, err := NewFetcher(Options{URL: srv.URL}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := f.Fetch(context.Background()); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("Fetch error = %v, want status 429", err)
	}
}

func TestFetcher_RejectsOversizedFeed(t *testing.T) {
	body := strings.Repeat("185.224.128.17\t9\n", 100)
	limit := int64(len(body) - 10)

	tests := []struct {
		name    string
		chunked bool
	}{
		{name: "declared length"},
		// Chunked responses carry no Content-Length, so the read itself must notice.
		{name: "chunked", chunked: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.chunked {
					_, _ = io.WriteString(w, body[:len(body)/2])
					w.(http.Flusher).Flush()
					_, _ = io.WriteString(w, body[len(body)/2:])
					return
				}
				w.Header().Set("Content-Length", strconv.Itoa(len(body)))
				_, _ = io.WriteString(w, body)
			}))
			defer srv.Close()

			f, err := NewFetcher(Options{URL: srv.URL, MaxBytes: limit}, log.New(io.Discard))
			if err != nil {
				t.Fatalf("NewFetcher returned error: %v", err)
			}

			ips, err := f.Fetch(context.Background())
			if !errors.Is(err, ErrFeedTooLarge) {
				t.Fatalf("Fetch error = %v, want ErrFeedTooLarge", err)
			}
			if ips != nil {
				t.Fatalf("Fetch returned %d addresses from a truncated feed", len(ips))
			}
		})
	}
}

func TestFetcher_AcceptsFeedAtLimit(t *testing.T) {
	body := "185.224.128.17\t9\n45.148.10.121\t7\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	f, err := NewFetcher(Options{URL: srv.URL, MaxBytes: int64(len(body))}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	ips, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(ips) != 2 {
		t.Fatalf("Fetch returned %d addresses, want 2", len(ips))
	}
}

func TestNewTransport_Proxies(t *testing.T) {
	tr, err := newTransport("http://proxy.local:3128", 0)
	if err != nil {
		t.Fatalf("http proxy: %v", err)
	}
	if tr.Proxy == nil {
		t.Fatal("http proxy not configured on transport")
	}

	tr, err = newTransport("socks5://127.0.0.1:1080", 0)
	if err != nil {
		t.Fatalf("socks5 proxy: %v", err)
	}
	if tr.Proxy != nil || tr.DialContext == nil {
		t.Fatal("socks5 proxy should be wired through DialContext")
	}

	if _, err := newTransport("gopher://nowhere", 0); err == nil {
		t.Fatal("unsupported proxy scheme should fail")
	}
}
