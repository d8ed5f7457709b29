package items

import (
	"strings"

	"github.com/shopspring/decimal"

	"offerwatch/internal/watch"
)

// Entry is one parsed line of the tracked-item list.
type Entry struct {
	Value     string
	Overrides watch.ItemOverrides
}

var warehouseOnlyAliases = map[string]struct{}{
	"only": {}, "strict": {}, "wh-only": {}, "warehouse-only": {}, "onlywh": {}, "only-warehouse": {},
}

// ParseLine parses `VALUE|key=value|...`. Blank lines and comments return ok=false.
func ParseLine(line string) (Entry, bool) {
	l := strings.TrimSpace(line)
	if l == "" || strings.HasPrefix(l, "#") {
		return Entry{}, false
	}

	parts := strings.Split(l, "|")
	entry := Entry{Value: strings.TrimSpace(parts[0]), Overrides: watch.DefaultOverrides()}
	if entry.Value == "" {
		return Entry{}, false
	}

	var notifyToken, repeatToken string
	ov := &entry.Overrides
	for _, raw := range parts[1:] {
		token := strings.TrimSpace(raw)
		eq := strings.IndexByte(token, '=')
		if eq == -1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(token[:eq]))
		val := strings.TrimSpace(token[eq+1:])

		switch key {
		case "threshold":
			if d, err := decimal.NewFromString(val); err == nil {
				ov.Threshold = &d
			}
		case "threshold_drop", "drop":
			if d, err := decimal.NewFromString(strings.ReplaceAll(val, "%", "")); err == nil && d.IsPositive() {
				ov.DropPct = &d
			}
		case "baseline":
			if b, ok := parseBaseline(val); ok {
				ov.Baseline = b
			}
		case "warehouse":
			v := strings.ToLower(val)
			if _, ok := warehouseOnlyAliases[v]; ok {
				ov.Warehouse = watch.WarehouseOnly
			} else if b, ok := ParseBool(v); ok {
				if b {
					ov.Warehouse = watch.WarehouseOn
				} else {
					ov.Warehouse = watch.WarehouseOff
				}
			}
		case "alerts":
			switch strings.ToLower(val) {
			case "stock":
				ov.Alerts = watch.AlertStock
			case "price":
				ov.Alerts = watch.AlertPrice
			case "both", "all", "":
				ov.Alerts = watch.AlertBoth
			case "none", "off":
				ov.Alerts = watch.AlertNone
			}
		case "label":
			ov.Label = unquote(val)
		case "group":
			ov.Group = unquote(val)
		case "notify", "notify_once":
			notifyToken = strings.ToLower(val)
		case "repeat_alerts", "repeat":
			repeatToken = strings.ToLower(val)
		case "webhook", "webhook_id":
			ov.Webhook = unquote(val)
		}
	}

	if notifyToken == "once" {
		ov.NotifyOnce = true
	} else if b, ok := ParseBool(notifyToken); ok {
		ov.NotifyOnce = b
	}
	if b, ok := ParseBool(repeatToken); ok {
		ov.RepeatAlerts = b
	}

	return entry, true
}

// ParseBool accepts the usual on/off spellings.
func ParseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "on", "true", "yes", "y":
		return true, true
	case "0", "off", "false", "no", "n":
		return false, true
	}
	return false, false
}

func parseBaseline(v string) (watch.Baseline, bool) {
	switch strings.ToLower(v) {
	case "last":
		return watch.BaselineLast, true
	case "lowest":
		return watch.BaselineLowest, true
	case "start", "first-seen", "first":
		return watch.BaselineStart, true
	}
	return watch.BaselineLast, false
}

func unquote(v string) string {
	v = strings.TrimPrefix(v, `"`)
	return strings.TrimSuffix(v, `"`)
}

// FormatLine renders an entry back into list syntax, omitting defaults.
func FormatLine(e Entry) string {
	ov := e.Overrides
	tokens := []string{e.Value}
	if ov.Label != "" {
		tokens = append(tokens, `label="`+ov.Label+`"`)
	}
	if ov.Group != "" {
		tokens = append(tokens, `group="`+ov.Group+`"`)
	}
	if ov.Warehouse != watch.WarehouseDefault {
		tokens = append(tokens, "warehouse="+ov.Warehouse.String())
	}
	if ov.Alerts != watch.AlertBoth {
		tokens = append(tokens, "alerts="+ov.Alerts.String())
	}
	if ov.Threshold != nil {
		tokens = append(tokens, "threshold="+ov.Threshold.StringFixed(2))
	}
	if ov.DropPct != nil {
		tokens = append(tokens, "threshold_drop="+ov.DropPct.String()+"%")
	}
	if ov.Baseline != watch.BaselineLast {
		tokens = append(tokens, "baseline="+ov.Baseline.String())
	}
	if ov.RepeatAlerts {
		tokens = append(tokens, "repeat_alerts=on")
	}
	if ov.NotifyOnce {
		tokens = append(tokens, "notify=once")
	}
	if ov.Webhook != "" {
		tokens = append(tokens, "webhook="+ov.Webhook)
	}
	return strings.Join(tokens, "|")
}
