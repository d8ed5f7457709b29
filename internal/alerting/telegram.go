package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"offerwatch/internal/version"
)

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 有图片时调用 sendPhoto, 否则调用 sendMessage。
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	method := "sendMessage"
	payload := map[string]string{
		"chat_id":    n.chatID,
		"parse_mode": "HTML",
	}
	text := renderTelegram(event)
	if event.ImageURL != "" {
		method = "sendPhoto"
		payload["photo"] = event.ImageURL
		payload["caption"] = text
	} else {
		payload["text"] = text
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgentSuffix())

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", string(event.Kind)).
		Str("source", string(event.Source)).
		Str("product", event.ProductURL).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderTelegram(e Event) string {
	title := "<b>" + html.EscapeString(e.displayTitle()) + "</b>" + e.titleSuffix()
	var b strings.Builder

	switch {
	case e.Kind == KindStock:
		b.WriteString("🛒 <b>Back in Stock!</b>\n\n" + title + "\n\n")
		b.WriteString("💰 <b>Price:</b> " + money(e.Symbol, e.NewPrice) + "\n")
		b.WriteString(fmt.Sprintf("🔗 <a href=\"%s\">View Product</a>", e.ProductURL))
	case e.FirstDetection():
		b.WriteString("💰 <b>Price Alert!</b>\n\n" + title + "\n\n")
		b.WriteString("💸 <b>Current Price:</b> " + money(e.Symbol, e.NewPrice) + "\n")
		b.WriteString(fmt.Sprintf("🔗 <a href=\"%s\">Buy Now</a>", e.ProductURL))
	default:
		b.WriteString("📉 <b>Price Drop Alert!</b>\n\n" + title + "\n\n")
		b.WriteString("💰 <b>Old Price:</b> " + money(e.Symbol, *e.OldPrice) + "\n")
		b.WriteString("💸 <b>New Price:</b> " + money(e.Symbol, e.NewPrice) + "\n")
		b.WriteString(fmt.Sprintf("🔥 <b>Savings:</b> %s (%s%% off)\n", money(e.Symbol, e.Savings()), e.SavingsPct().StringFixed(1)))
		b.WriteString(fmt.Sprintf("🔗 <a href=\"%s\">Buy Now</a>", e.ProductURL))
	}
	if e.OffersURL != "" {
		b.WriteString(fmt.Sprintf("\n🛍️ <a href=\"%s\">View All Offers</a>", e.OffersURL))
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
