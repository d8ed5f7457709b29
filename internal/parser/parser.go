package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"offerwatch/internal/watch"
)

// ErrParseIncomplete means the page carried neither a title nor any usable price.
var ErrParseIncomplete = errors.New("parse incomplete: no title or price found")

const (
	defaultSymbol      = "$"
	offerSelector      = "#aod-offer, .aod-offer"
	soldBySelector     = `[id*="aod-offer-soldBy"], .aod-offer-soldBy`
	offerPriceSelector = "#aod-offer-price .aok-offscreen, #aod-offer-price .a-offscreen, .aod-offer-price .aok-offscreen, .aod-offer-price .a-offscreen"
)

var (
	soldByPattern     = regexp.MustCompile(`(?i)sold by[:\s]*([^|\n]+?)(?:\s{2,}|$)`)
	priceNearPattern  = regexp.MustCompile(`[$€£]\s*\d{1,4}[.,]\d{2}`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// PageParser turns fetched HTML into snapshots.
type PageParser interface {
	Parse(body []byte) (watch.Snapshot, error)
	ParseOffers(body []byte, fallbackSymbol string) (*watch.Offer, error)
}

// Parser extracts offers from marketplace product pages.
type Parser struct {
	logger zerolog.Logger
}

// New constructs a Parser.
func New(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger.With().Str("component", "parser").Logger()}
}

// Parse extracts title, image, the main offer and, when the offers panel is
// rendered inline, the warehouse offer.
func (p *Parser) Parse(body []byte) (watch.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return watch.Snapshot{}, fmt.Errorf("parse page: %w", err)
	}

	core := doc.Find("#corePriceDisplay_desktop_feature_div")
	candidates := []string{
		text(doc.Find("#priceblock_ourprice")),
		text(doc.Find("#priceblock_saleprice")),
		text(doc.Find("#sns-base-price")),
		text(core.Find(".a-price").Find(".a-offscreen").Eq(0)),
		text(core.Find(".a-price-whole").First()) + text(core.Find(".a-price-fraction").First()),
	}

	main := watch.Offer{Symbol: defaultSymbol}
	for _, c := range candidates {
		price, sym, ok := NormalizePrice(c)
		if !ok || !price.IsPositive() {
			continue
		}
		if main.Price.IsZero() || price.LessThan(main.Price) {
			main.Price = price
			if sym != "" {
				main.Symbol = sym
			}
		}
	}
	main.Available = main.Price.IsPositive()

	snap := watch.Snapshot{
		Title: text(doc.Find("#productTitle")),
		Main:  main,
	}
	img := doc.Find("#landingImage")
	if src, ok := img.Attr("data-old-hires"); ok && src != "" {
		snap.Image = src
	} else if src, ok := img.Attr("src"); ok {
		snap.Image = src
	}

	snap.Warehouse = findWarehouse(doc.Selection, main.Symbol)

	if snap.Title == "" && !main.Price.IsPositive() && snap.Warehouse == nil {
		return snap, ErrParseIncomplete
	}
	p.logger.Debug().Str("title", snap.Title).Str("price", main.Price.StringFixed(2)).
		Bool("warehouse", snap.Warehouse != nil).Msg("page parsed")
	return snap, nil
}

// ParseOffers looks for a warehouse offer in an offers-panel fragment.
// A nil offer without error means none was listed.
func (p *Parser) ParseOffers(body []byte, fallbackSymbol string) (*watch.Offer, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse offers: %w", err)
	}
	if fallbackSymbol == "" {
		fallbackSymbol = defaultSymbol
	}
	return findWarehouse(doc.Selection, fallbackSymbol), nil
}

func findWarehouse(root *goquery.Selection, fallbackSymbol string) *watch.Offer {
	var found *watch.Offer
	root.Find(offerSelector).EachWithBreak(func(_ int, offer *goquery.Selection) bool {
		seller := sellerOf(offer.Find(soldBySelector))
		if !strings.Contains(strings.ToLower(seller), "warehouse") {
			return true
		}

		raw := text(offer.Find(offerPriceSelector).First())
		if raw == "" {
			raw = priceNearPattern.FindString(offer.Text())
		}
		price, sym, _ := NormalizePrice(raw)
		if sym == "" {
			sym = fallbackSymbol
		}
		found = &watch.Offer{
			Price:     price,
			Symbol:    sym,
			Available: price.IsPositive(),
			Seller:    seller,
		}
		return false
	})
	return found
}

func sellerOf(soldBy *goquery.Selection) string {
	if s := text(soldBy.Find("a").Last()); s != "" {
		return s
	}

	var last string
	soldBy.Find(".a-size-small").Each(func(_ int, s *goquery.Selection) {
		if t := text(s); t != "" {
			last = t
		}
	})
	if last != "" {
		return last
	}

	raw := whitespacePattern.ReplaceAllString(strings.TrimSpace(soldBy.Text()), " ")
	if m := soldByPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

var _ PageParser = (*Parser)(nil)
