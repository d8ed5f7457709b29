package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offerwatch/internal/items"
	"offerwatch/internal/watch"
)

const (
	defaultTimeout = 12 * time.Second
	maxBodyBytes   = 8 << 20
	secChUA        = `"Chromium";v="125", "Not.A/Brand";v="24", "Google Chrome";v="125"`
)

var softBanMarkers = []string{
	"automated access to amazon data",
	"to discuss automated access",
	"enter the characters you see below",
	"type the characters you see in this image",
	"/errors/validatecaptcha",
	"robot check",
}

// Options parameterise the HTTP fetcher.
type Options struct {
	TLD                string
	Timeout            time.Duration
	RetryWithNextProxy bool
	// BaseURL overrides the marketplace root used for the offers endpoint and referers.
	BaseURL string
}

// HTTP fetches pages with browser-like headers through the rotator's identities.
type HTTP struct {
	opts    Options
	ids     IdentitySource
	logger  zerolog.Logger
	baseURL string

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTP constructs the page fetcher.
func NewHTTP(opts Options, ids IdentitySource, logger zerolog.Logger) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(items.MarketplaceRoot(opts.TLD), "/")
	}
	return &HTTP{
		opts:    opts,
		ids:     ids,
		logger:  logger.With().Str("component", "page_fetcher").Logger(),
		baseURL: baseURL,
		clients: make(map[string]*http.Client),
	}
}

// FetchPage downloads the product page of item and classifies the response.
func (h *HTTP) FetchPage(ctx context.Context, item watch.TrackedItem) (Page, error) {
	target := withOffersPanel(item.RequestURL)
	headers := h.pageHeaders()

	id := h.ids.Pick(item.Key)
	resp, body, err := h.do(ctx, target, id.UserAgent, id.Proxy, headers)
	if err != nil && id.Proxy != nil && h.opts.RetryWithNextProxy && ctx.Err() == nil {
		h.ids.MarkFailed(id.Proxy)
		failed := id.Proxy
		id = h.ids.Pick(item.Key)
		h.logger.Warn().Err(err).Str("key", item.Key).Str("failed_proxy", failed.Redacted()).
			Bool("direct", id.Proxy == nil).Msg("retrying with next proxy")
		resp, body, err = h.do(ctx, target, id.UserAgent, id.Proxy, headers)
	}
	if err != nil {
		if id.Proxy != nil && ctx.Err() == nil {
			h.ids.MarkFailed(id.Proxy)
		}
		return Page{}, &FetchError{Kind: KindTransport, URL: target, Err: err}
	}

	page := Page{URL: target, StatusCode: resp.StatusCode, UserAgent: id.UserAgent, Proxy: id.Proxy}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		page.SoftBan = true
		page.Reason = fmt.Sprintf("status %d", resp.StatusCode)
		return page, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Page{}, &FetchError{Kind: KindStatus, URL: target, StatusCode: resp.StatusCode}
	}

	page.Body = body
	if marker, ok := DetectSoftBan(body); ok {
		page.SoftBan = true
		page.Reason = marker
	}
	return page, nil
}

// FetchOffers queries the offers endpoint variants and returns the first body
// that lists offers. Failures are logged and yield nil.
func (h *HTTP) FetchOffers(ctx context.Context, item watch.TrackedItem) [][]byte {
	if item.ASIN == "" {
		return nil
	}
	asin := url.QueryEscape(item.ASIN)
	variants := []string{
		h.baseURL + "/gp/aod/ajax?asin=" + asin + "&pc=dp",
		h.baseURL + "/gp/product/ajax?asin=" + asin + "&m=&qid=&smid=&sourcecustomerorglistid=&sourcecustomerorglistitemid=&sr=&pc=dp&experienceId=aodAjaxMain",
	}
	headers := h.offersHeaders(item.ASIN)

	var out [][]byte
	for _, target := range variants {
		if ctx.Err() != nil {
			return out
		}
		id := h.ids.Pick(item.Key)
		resp, body, err := h.do(ctx, target, id.UserAgent, id.Proxy, headers)
		if err != nil {
			h.logger.Debug().Err(err).Str("asin", item.ASIN).Msg("offers endpoint failed")
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			h.logger.Debug().Int("status", resp.StatusCode).Str("asin", item.ASIN).Msg("offers endpoint rejected")
			continue
		}
		out = append(out, body)
		if bytes.Contains(body, []byte("aod-offer")) {
			break
		}
	}
	return out
}

// DetectSoftBan scans a page body for anti-bot markers and returns the first hit.
func DetectSoftBan(body []byte) (string, bool) {
	lower := strings.ToLower(string(body))
	for _, m := range softBanMarkers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	if strings.Contains(lower, "captcha") && strings.Contains(lower, "amazon") {
		return "captcha", true
	}
	return "", false
}

// LocaleCookie pins currency and language for a marketplace.
func LocaleCookie(tld string) string {
	switch tld {
	case "ca":
		return "i18n-prefs=CAD; lc-main=en_CA"
	case "de":
		return "i18n-prefs=EUR; lc-main=de_DE"
	case "fr":
		return "i18n-prefs=EUR; lc-main=fr_FR"
	case "it":
		return "i18n-prefs=EUR; lc-main=it_IT"
	case "es":
		return "i18n-prefs=EUR; lc-main=es_ES"
	case "co.uk":
		return "i18n-prefs=GBP; lc-main=en_GB"
	case "com.au":
		return "i18n-prefs=AUD; lc-main=en_AU"
	default:
		return "i18n-prefs=USD; lc-main=en_US"
	}
}

func withOffersPanel(raw string) string {
	if !strings.Contains(raw, "/dp/") {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "aod=1&psc=1"
}

// Accept-Encoding is left to the transport so gzip bodies are decoded transparently.
func (h *HTTP) pageHeaders() http.Header {
	hd := http.Header{}
	hd.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	hd.Set("Accept-Language", "en-US,en;q=0.9")
	hd.Set("Cache-Control", "no-cache")
	hd.Set("Pragma", "no-cache")
	hd.Set("Referer", h.baseURL+"/")
	hd.Set("Upgrade-Insecure-Requests", "1")
	hd.Set("Sec-Fetch-Dest", "document")
	hd.Set("Sec-Fetch-Mode", "navigate")
	hd.Set("Sec-Fetch-Site", "same-origin")
	hd.Set("Sec-Fetch-User", "?1")
	hd.Set("sec-ch-ua", secChUA)
	hd.Set("sec-ch-ua-mobile", "?0")
	hd.Set("sec-ch-ua-platform", `"Windows"`)
	hd.Set("Viewport-Width", "1920")
	hd.Set("Cookie", LocaleCookie(h.opts.TLD))
	return hd
}

func (h *HTTP) offersHeaders(asin string) http.Header {
	hd := http.Header{}
	hd.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hd.Set("Accept-Language", "en-US,en;q=0.9")
	hd.Set("Cache-Control", "no-cache")
	hd.Set("Pragma", "no-cache")
	hd.Set("Referer", h.baseURL+"/dp/"+asin+"?aod=1&psc=1")
	hd.Set("X-Requested-With", "XMLHttpRequest")
	hd.Set("sec-ch-ua", secChUA)
	hd.Set("sec-ch-ua-mobile", "?0")
	hd.Set("sec-ch-ua-platform", `"Windows"`)
	hd.Set("Cookie", LocaleCookie(h.opts.TLD))
	return hd
}

func (h *HTTP) do(ctx context.Context, target, userAgent string, proxy *url.URL, headers http.Header) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header = headers.Clone()
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := h.client(proxy).Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, body, nil
}

// client returns the cached client for a proxy; nil means direct.
func (h *HTTP) client(proxy *url.URL) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[key]; ok {
		return c
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	c := &http.Client{Timeout: h.opts.Timeout, Transport: transport}
	h.clients[key] = c
	return c
}

// IsTransport reports whether err is a network level fetch failure.
func IsTransport(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindTransport
}

var _ PageFetcher = (*HTTP)(nil)
