package parser

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

const productPage = `<html><body>
<span id="productTitle">  Desk Lamp, LED  </span>
<img id="landingImage" src="small.jpg" data-old-hires="https://img.example/large.jpg">
<div id="corePriceDisplay_desktop_feature_div">
  <span class="a-price"><span class="a-offscreen">$1,234.56</span></span>
  <span class="a-price-whole">1,299.</span><span class="a-price-fraction">00</span>
</div>
<span id="sns-base-price">$1,199.99</span>
<div id="aod-offer">
  <div id="aod-offer-soldBy"><span class="a-size-small">Sold by</span><a href="#">Some Store</a></div>
  <div id="aod-offer-price"><span class="a-offscreen">$999.00</span></div>
</div>
<div class="aod-offer">
  <div class="aod-offer-soldBy"><a href="#">Amazon Warehouse</a></div>
  <div class="aod-offer-price"><span class="aok-offscreen">$899.50</span></div>
</div>
</body></html>`

func TestParseProductPage(t *testing.T) {
	snap, err := New(zerolog.Nop()).Parse([]byte(productPage))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if snap.Title != "Desk Lamp, LED" {
		t.Fatalf("标题不正确: %q", snap.Title)
	}
	if snap.Image != "https://img.example/large.jpg" {
		t.Fatalf("图片不正确: %q", snap.Image)
	}
	if snap.Main.Price.StringFixed(2) != "1199.99" || !snap.Main.Available || snap.Main.Symbol != "$" {
		t.Fatalf("主报价应取最低正价: %+v", snap.Main)
	}
	if snap.Warehouse == nil || snap.Warehouse.Price.StringFixed(2) != "899.50" || snap.Warehouse.Seller != "Amazon Warehouse" {
		t.Fatalf("仓库报价不正确: %+v", snap.Warehouse)
	}
}

func TestParseNoWarehouseOffer(t *testing.T) {
	body := `<span id="productTitle">Lamp</span><span id="priceblock_ourprice">CDN$ 25.00</span>`
	snap, err := New(zerolog.Nop()).Parse([]byte(body))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if snap.Warehouse != nil {
		t.Fatal("没有仓库报价时应为 nil")
	}
	if snap.Main.Symbol != "CDN$" {
		t.Fatalf("货币符号不正确: %q", snap.Main.Symbol)
	}
}

func TestParseIncomplete(t *testing.T) {
	_, err := New(zerolog.Nop()).Parse([]byte(`<html><body><p>nothing</p></body></html>`))
	if !errors.Is(err, ErrParseIncomplete) {
		t.Fatalf("应返回 ErrParseIncomplete, 实际 %v", err)
	}
}

func TestParseOutOfStockKeepsTitle(t *testing.T) {
	snap, err := New(zerolog.Nop()).Parse([]byte(`<span id="productTitle">Lamp</span><div id="availability">Currently unavailable.</div>`))
	if err != nil {
		t.Fatalf("有标题时不应报错: %v", err)
	}
	if snap.Main.Available || !snap.Main.Price.IsZero() {
		t.Fatalf("无价格应视为缺货: %+v", snap.Main)
	}
}

func TestParseOffersFragment(t *testing.T) {
	body := `<div id="aod-offer">
  <div id="aod-offer-soldBy-1">Ships from Amazon. Sold by Warehouse Deals  </div>
  <span>Used - Like New €12,49 inkl. MwSt</span>
</div>`
	offer, err := New(zerolog.Nop()).ParseOffers([]byte(body), "€")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if offer == nil || offer.Price.StringFixed(2) != "12.49" || offer.Symbol != "€" {
		t.Fatalf("应通过文本回退找到价格: %+v", offer)
	}
	if offer.Seller != "Warehouse Deals" {
		t.Fatalf("卖家不正确: %q", offer.Seller)
	}

	none, err := New(zerolog.Nop()).ParseOffers([]byte(`<div class="aod-offer"><div class="aod-offer-soldBy"><a>Other</a></div></div>`), "")
	if err != nil || none != nil {
		t.Fatalf("非仓库卖家应忽略: %+v %v", none, err)
	}
}

func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		in, want, sym string
	}{
		{"$1,234.56", "1234.56", "$"},
		{"1.234,56 €", "1234.56", "€"},
		{"$12", "12.00", "$"},
		{"EUR 12,50", "12.50", "EUR"},
		{"12,5", "12.50", ""},
		{"£1,299", "1299.00", "£"},
		{"1.299.000", "1299000.00", ""},
		{"19.999", "20.00", ""},
	}
	for _, c := range cases {
		got, sym, ok := NormalizePrice(c.in)
		if !ok || got.StringFixed(2) != c.want || sym != c.sym {
			t.Fatalf("NormalizePrice(%q) = %s %q %v, 期望 %s %q", c.in, got.StringFixed(2), sym, ok, c.want, c.sym)
		}
	}
	if _, _, ok := NormalizePrice("Currently unavailable"); ok {
		t.Fatal("无数字时应返回 false")
	}
}
