package fetcher

import (
	"context"
	"fmt"
	"net/url"

	"offerwatch/internal/identity"
	"offerwatch/internal/watch"
)

// PageFetcher retrieves product pages and the auxiliary offers panel.
type PageFetcher interface {
	FetchPage(ctx context.Context, item watch.TrackedItem) (Page, error)
	FetchOffers(ctx context.Context, item watch.TrackedItem) [][]byte
}

// IdentitySource supplies request identities and takes proxy failure reports.
type IdentitySource interface {
	Pick(key string) identity.Identity
	MarkFailed(proxy *url.URL)
}

// Page is a fetched product page. SoftBan marks an anti-bot response; Body is
// only meaningful when SoftBan is false.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	SoftBan    bool
	// Reason names the status code or body marker behind SoftBan.
	Reason    string
	UserAgent string
	Proxy     *url.URL
}

// ErrorKind classifies fetch failures.
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// FetchError is a per-item fetch failure.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
