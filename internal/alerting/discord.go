package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"offerwatch/internal/version"
	"offerwatch/internal/watch"
)

const (
	colorStock = 0x0099ff
	colorPrice = 0x00ff00
)

// DiscordNotifier posts an embed to a Discord webhook.
type DiscordNotifier struct {
	name       string
	webhookURL string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

// NewDiscordNotifier 构造 Discord webhook 告警器。
func NewDiscordNotifier(name, webhookURL, username string, timeout time.Duration, logger zerolog.Logger) *DiscordNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if username == "" {
		username = "offerwatch"
	}
	return &DiscordNotifier{
		name:       name,
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_discord").Str("webhook", name).Logger(),
	}
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Color       int               `json:"color"`
	Thumbnail   *discordThumbnail `json:"thumbnail,omitempty"`
	Footer      *discordFooter    `json:"footer,omitempty"`
	Timestamp   string            `json:"timestamp,omitempty"`
}

type discordThumbnail struct {
	URL string `json:"url"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// Notify sends one embed per event.
func (d *DiscordNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(discordPayload{Username: d.username, Embeds: []discordEmbed{renderEmbed(event)}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgentSuffix())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord 响应码异常 (%d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	d.logger.Info().Str("kind", string(event.Kind)).
		Str("source", string(event.Source)).
		Str("product", event.ProductURL).
		Msg("告警已发送 (Discord)")
	return nil
}

func renderEmbed(e Event) discordEmbed {
	embed := discordEmbed{Color: colorPrice}
	if !e.At.IsZero() {
		embed.Timestamp = e.At.UTC().Format(time.RFC3339)
	}
	if e.ImageURL != "" {
		embed.Thumbnail = &discordThumbnail{URL: e.ImageURL}
	}
	if e.Group != "" {
		embed.Footer = &discordFooter{Text: e.Group}
	}

	var desc string
	switch {
	case e.Kind == KindStock:
		embed.Color = colorStock
		embed.Title = fmt.Sprintf("Back in stock for %q%s", e.displayTitle(), e.titleSuffix())
		desc = "Current Price: " + money(e.Symbol, e.NewPrice)
		if e.Source == watch.SourceWarehouse {
			desc = "Warehouse Price: " + money(e.Symbol, e.NewPrice)
			if diff, ok := e.WarehouseDiscount(); ok {
				desc += "\nMain Price: " + money(e.Symbol, e.MainPrice) + "\nSavings vs Main: " + money(e.Symbol, diff)
			}
		}
	case e.FirstDetection():
		embed.Title = fmt.Sprintf("Price alert for %q%s", e.displayTitle(), e.titleSuffix())
		desc = "Current Price: " + money(e.Symbol, e.NewPrice)
	default:
		embed.Title = fmt.Sprintf("Price alert for %q%s", e.displayTitle(), e.titleSuffix())
		desc = fmt.Sprintf("Old Price: %s\nNew Price: %s\nDiff: %s",
			money(e.Symbol, *e.OldPrice), money(e.Symbol, e.NewPrice), money(e.Symbol, e.Savings()))
	}

	desc += fmt.Sprintf("\n\n[View Product](%s)", e.ProductURL)
	if e.OffersURL != "" {
		desc += fmt.Sprintf("\n\n[View All Offers](%s)", e.OffersURL)
	}
	embed.Description = desc
	return embed
}

var _ Notifier = (*DiscordNotifier)(nil)
