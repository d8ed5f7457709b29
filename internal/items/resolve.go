package items

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"offerwatch/internal/watch"
)

var asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// Resolver turns list entries into tracked items for one marketplace.
type Resolver struct {
	TLD              string
	URLParams        map[string]string
	DefaultWarehouse bool
}

// Resolve builds the tracked items of a cycle. Duplicate keys keep the first entry.
func (r Resolver) Resolve(entries []Entry) []watch.TrackedItem {
	seen := make(map[string]struct{}, len(entries))
	out := make([]watch.TrackedItem, 0, len(entries))
	for _, e := range entries {
		item := r.Item(e)
		if _, dup := seen[item.Key]; dup {
			continue
		}
		seen[item.Key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Item resolves a single entry.
func (r Resolver) Item(e Entry) watch.TrackedItem {
	ov := e.Overrides
	ov.Warehouse = ov.Warehouse.Resolve(r.DefaultWarehouse)

	asin := ExtractASIN(e.Value, r.TLD)
	productURL := ProductURL(e.Value, r.TLD)
	key := strings.TrimSpace(e.Value)
	if asin != "" {
		key = CanonicalURL(productURL, asin, r.TLD)
	}

	return watch.TrackedItem{
		Key:        key,
		ASIN:       asin,
		RequestURL: appendParams(productURL, r.URLParams),
		Overrides:  ov,
	}
}

// ProductURL returns the value itself when it is a URL, otherwise the /dp/ page of a bare ASIN.
func ProductURL(value, tld string) string {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(v, "http") {
		return v
	}
	return MarketplaceRoot(tld) + "dp/" + v
}

// MarketplaceRoot is the site root for a TLD, with trailing slash.
func MarketplaceRoot(tld string) string {
	if tld == "" {
		tld = "com"
	}
	return "https://www.amazon." + tld + "/"
}

// CanonicalURL strips tracking cruft so differently decorated links share state.
func CanonicalURL(productURL, asin, tld string) string {
	if u, err := url.Parse(productURL); err == nil && u.Host != "" {
		return u.Scheme + "://" + u.Host + "/dp/" + asin
	}
	return MarketplaceRoot(tld) + "dp/" + asin
}

// OffersURL is the all-offers deep link of an ASIN.
func OffersURL(asin, tld string) string {
	if asin == "" {
		return ""
	}
	return MarketplaceRoot(tld) + "dp/" + asin + "?aod=1&psc=1"
}

// ExtractASIN finds a 10 character product id in a URL path or asin query param.
func ExtractASIN(value, tld string) string {
	u, err := url.Parse(ProductURL(value, tld))
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if s := strings.ToUpper(seg); asinPattern.MatchString(s) {
			return s
		}
	}
	if q := strings.ToUpper(u.Query().Get("asin")); asinPattern.MatchString(q) {
		return q
	}
	return ""
}

func appendParams(raw string, params map[string]string) string {
	if len(params) == 0 {
		return raw
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + values.Encode()
}
