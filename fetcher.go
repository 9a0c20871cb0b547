package main

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/time/rate"
)

// Browser user agents rotated across attempts to look less like a bot.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// PageResponse is the raw result of fetching one listing page.
type PageResponse struct {
	Page       int
	StatusCode int
	Body       []byte
}

// PageFetcher fetches single listing pages and extracts matching hrefs.
// It is the only component that touches the network.
type PageFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	config  *Config
	logger  *Logger

	baseURL *url.URL
	cookies []*http.Cookie
	uaIndex uint32
}

func NewPageFetcher(config *Config, logger *Logger) (*PageFetcher, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	interval := config.RequestInterval
	if interval <= 0 {
		interval = time.Millisecond
	}

	return &PageFetcher{
		client:  newHTTPClient(config),
		limiter: rate.NewLimiter(rate.Every(interval), config.Concurrency),
		config:  config,
		logger:  logger,
		baseURL: base,
		cookies: parseCookies(config.Cookies),
	}, nil
}

func newHTTPClient(config *Config) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.HTTPTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   config.Concurrency,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.HTTPTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// parseCookies turns "name=value; name2=value2" into cookies to send with
// every request. Needed when the origin gates the listing behind an
// age-verification or queue cookie.
func parseCookies(raw string) []*http.Cookie {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	sep := ";"
	if !strings.Contains(raw, ";") && strings.Contains(raw, ",") {
		sep = ","
	}

	var cookies []*http.Cookie
	for _, part := range strings.Split(raw, sep) {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	return cookies
}

// BuildPageURL returns the URL for a 1-indexed listing page. Page 1 is the
// bare base URL so the scraper stays compatible with the unparameterized
// listing; later pages add the page query parameter.
func (pf *PageFetcher) BuildPageURL(page int) string {
	if page <= 1 {
		return pf.baseURL.String()
	}

	u := *pf.baseURL
	q := u.Query()
	q.Set(pf.config.PageParam, fmt.Sprintf("%d", page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (pf *PageFetcher) nextUserAgent() string {
	idx := atomic.AddUint32(&pf.uaIndex, 1)
	return userAgents[int(idx)%len(userAgents)]
}

// FetchPage performs one fetch attempt for the given page number. The
// response body is decompressed and decoded to UTF-8. Transport-level
// failures come back as errors; HTTP-level failures come back as a
// PageResponse carrying the status code.
func (pf *PageFetcher) FetchPage(ctx context.Context, page int) (*PageResponse, error) {
	if err := pf.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, pf.config.HTTPTimeout)
	defer cancel()

	pageURL := pf.BuildPageURL(page)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", pf.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", pf.config.AcceptLanguage)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Referer", pf.baseURL.String())
	for _, c := range pf.cookies {
		req.AddCookie(c)
	}

	resp, err := pf.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := pf.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read body page %d: %w", page, err)
	}

	return &PageResponse{
		Page:       page,
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

func (pf *PageFetcher) readBody(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, pf.config.MaxBodySize)

	// Setting Accept-Encoding by hand disables Go's transparent gzip
	// handling, so decompression is ours.
	var reader io.Reader = limited
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzr, err := gzip.NewReader(limited)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gzr.Close()
		reader = gzr
	case "deflate":
		fr := flate.NewReader(limited)
		defer fr.Close()
		reader = fr
	}

	body, err := io.ReadAll(reader)
	if err != nil && len(body) == 0 {
		return nil, err
	}

	return decodeToUTF8(body, resp.Header.Get("Content-Type")), nil
}

// decodeToUTF8 converts the body to UTF-8 based on the Content-Type header
// and byte-sniffing. On any conversion failure the raw bytes are kept.
func decodeToUTF8(body []byte, contentType string) []byte {
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if enc == nil || name == "utf-8" {
		return body
	}

	var dec *encoding.Decoder = enc.NewDecoder()
	decoded, err := dec.Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

// ExtractLinks pulls out href values ending in the configured suffix and
// resolves them against the page's own URL. Malformed hrefs are dropped
// silently. The result is deduplicated within the page, in document order.
func (pf *PageFetcher) ExtractLinks(page int, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		pf.logger.Warn("parse page html failed", map[string]interface{}{
			"page":  page,
			"error": err.Error(),
		})
		return nil
	}

	pageURL, err := url.Parse(pf.BuildPageURL(page))
	if err != nil {
		return nil
	}

	suffix := strings.ToLower(pf.config.LinkSuffix)
	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || !strings.HasSuffix(strings.ToLower(href), suffix) {
			return
		}

		u, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := pageURL.ResolveReference(u)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""

		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})

	return links
}
