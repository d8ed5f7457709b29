package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"offerwatch/internal/items"
	"offerwatch/internal/storage"
	"offerwatch/internal/version"
	"offerwatch/internal/watch"
)

type itemView struct {
	Key          string  `json:"key"`
	ASIN         string  `json:"asin"`
	URL          string  `json:"url"`
	Line         string  `json:"line"`
	Title        string  `json:"title,omitempty"`
	Price        *string `json:"price,omitempty"`
	Available    bool    `json:"available"`
	Warehouse    *string `json:"warehouse_price,omitempty"`
	Lowest       *string `json:"lowest_price,omitempty"`
	Symbol       string  `json:"symbol,omitempty"`
	WarehouseOpt string  `json:"warehouse"`
	Alerts       string  `json:"alerts"`
	Label        string  `json:"label,omitempty"`
	Group        string  `json:"group,omitempty"`
	UpdatedAt    *string `json:"updated_at,omitempty"`
}

type addItemRequest struct {
	Line string `json:"line" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

func (s *Server) status(c *gin.Context) {
	st := s.scanner.Status()
	body := gin.H{
		"running":                    st.Running,
		"next_scan_in_seconds":       int64(st.NextScanIn / time.Second),
		"cooldown_remaining_seconds": int64(st.CooldownRemaining / time.Second),
		"last_report":                st.LastReport,
	}
	if !st.NextScanAt.IsZero() {
		body["next_scan_at"] = st.NextScanAt
	}
	if st.CooldownRemaining > 0 {
		body["soft_ban_until"] = st.SoftBanUntil
	}
	if !st.LastScanAt.IsZero() {
		body["last_scan_at"] = st.LastScanAt
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listItems(c *gin.Context) {
	ctx := c.Request.Context()
	tracked, err := s.scanner.ListTrackedItems(ctx)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	views := make([]itemView, 0, len(tracked))
	for _, item := range tracked {
		view := newItemView(item)
		rec, err := s.scanner.GetWatchRecord(ctx, item.Key)
		switch {
		case err == nil:
			view.fill(rec)
		case !errors.Is(err, storage.ErrNotFound):
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "items": views})
}

func (s *Server) addItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"line\": \"VALUE|key=value\"}"})
		return
	}
	entry, ok := items.ParseLine(req.Line)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty item line"})
		return
	}
	if items.ExtractASIN(entry.Value, s.opts.TLD) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no product id found in value"})
		return
	}
	if err := s.editor.Add(c.Request.Context(), entry); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	resolver := items.Resolver{TLD: s.opts.TLD}
	c.JSON(http.StatusCreated, newItemView(resolver.Item(entry)))
}

func (s *Server) removeItem(c *gin.Context) {
	asin := strings.ToUpper(strings.TrimSpace(c.Param("asin")))
	if err := s.editor.Remove(c.Request.Context(), asin); err != nil {
		if errors.Is(err, items.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not tracked"})
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) scanNow(c *gin.Context) {
	if !s.scanner.TriggerScanNow() {
		c.JSON(http.StatusConflict, gin.H{"error": "scan already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

func (s *Server) history(c *gin.Context) {
	ctx := c.Request.Context()
	asin := strings.ToUpper(strings.TrimSpace(c.Param("asin")))

	item, err := s.scanner.FindItem(ctx, asin)
	if err != nil {
		if errors.Is(err, items.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not tracked"})
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	rec, err := s.scanner.GetWatchRecord(ctx, item.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not scanned yet"})
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	points := rec.History
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(points) {
		points = points[len(points)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{
		"key":         item.Key,
		"asin":        item.ASIN,
		"title":       rec.Title,
		"symbol":      rec.Symbol,
		"lowest_seen": rec.LowestSeen,
		"count":       len(points),
		"history":     points,
	})
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{"error": http.StatusText(status)})
}

func newItemView(item watch.TrackedItem) itemView {
	return itemView{
		Key:          item.Key,
		ASIN:         item.ASIN,
		URL:          item.RequestURL,
		Line:         items.FormatLine(items.Entry{Value: item.Key, Overrides: item.Overrides}),
		WarehouseOpt: item.Overrides.Warehouse.String(),
		Alerts:       item.Overrides.Alerts.String(),
		Label:        item.Overrides.Label,
		Group:        item.Overrides.Group,
	}
}

func (v *itemView) fill(rec *watch.WatchRecord) {
	v.Title = rec.Title
	v.Symbol = rec.Symbol
	v.Available = rec.Main.Available
	v.Price = priceString(rec.Main.Price)
	if rec.Warehouse != nil {
		v.Warehouse = priceString(rec.Warehouse.Price)
	}
	if rec.LowestSeen != nil {
		v.Lowest = priceString(rec.LowestSeen.Price)
	}
	if !rec.UpdatedAt.IsZero() {
		ts := rec.UpdatedAt.UTC().Format(time.RFC3339)
		v.UpdatedAt = &ts
	}
}

func priceString(d decimal.Decimal) *string {
	if !d.IsPositive() {
		return nil
	}
	s := d.StringFixed(2)
	return &s
}
