package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/proxy"
)

const (
	DefaultMaxBytes = 32 << 20
	userAgent       = "ipsentry-feed/1.0"
	defaultTimeout  = 60 * time.Second
)

// ErrFeedTooLarge rejects a feed over the size cap. A truncated list must
// never become the live dataset.
var ErrFeedTooLarge = errors.New("feed: response exceeds size limit")

type Options struct {
	URL string
	// MinHits drops entries whose hit-count column is below the threshold.
	// Zero admits every line.
	MinHits  int
	ProxyURL string
	Timeout  time.Duration
	// MaxBytes caps the response body; zero means DefaultMaxBytes.
	MaxBytes int64
}

// Fetcher downloads an ipsum-style list: one address per line, optionally
// followed by a hit count, with '#' comments.
type Fetcher struct {
	url      string
	minHits  int
	maxBytes int64
	client   *http.Client
	logger   *log.Logger
}

func NewFetcher(opts Options, logger *log.Logger) (*Fetcher, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("feed: url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = log.Default()
	}

	transport, err := newTransport(opts.ProxyURL, opts.Timeout)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		url:      opts.URL,
		minHits:  opts.MinHits,
		maxBytes: opts.MaxBytes,
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		logger:   logger.WithPrefix("feed"),
	}, nil
}

func newTransport(proxyURL string, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("feed: parse proxy url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	default:
		d, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("feed: proxy dialer: %w", err)
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	}

	return transport, nil
}

// Fetch downloads and parses the feed.
func (f *Fetcher) Fetch(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	f.logger.Info("Fetching blocklist feed", "url", f.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: content length %d > %d bytes", ErrFeedTooLarge, resp.ContentLength, f.maxBytes)
	}

	// One byte past the cap tells a complete feed from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFeedTooLarge, f.maxBytes)
	}

	result, err := Parse(bytes.NewReader(body), f.minHits)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	f.logger.Info("Fetched blocklist feed",
		"addresses", len(result.Addresses),
		"skipped_invalid", result.Invalid,
		"skipped_below_threshold", result.BelowThreshold,
		"duplicates", result.Duplicates,
	)
	return result.Addresses, nil
}

type ParseResult struct {
	Addresses      []string
	Invalid        int
	BelowThreshold int
	Duplicates     int
}

// Parse reads the first field of every non-comment line. Addresses are
// normalised through netip and de-duplicated in first-seen order.
func Parse(r io.Reader, minHits int) (ParseResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	var result ParseResult
	seen := make(map[netip.Addr]struct{})

	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\uFEFF"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			result.Invalid++
			continue
		}

		if minHits > 0 {
			if len(fields) < 2 {
				result.BelowThreshold++
				continue
			}
			hits, err := strconv.Atoi(fields[1])
			if err != nil || hits < minHits {
				result.BelowThreshold++
				continue
			}
		}

		if _, dup := seen[addr]; dup {
			result.Duplicates++
			continue
		}
		seen[addr] = struct{}{}
		result.Addresses = append(result.Addresses, addr.String())
	}

	if err := scanner.Err(); err != nil {
		return result, err
	}
	return result, nil
}
