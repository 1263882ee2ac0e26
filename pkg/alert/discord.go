package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *resty.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{client: newClient(), webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	color := 0x2EB67D
	if n.Status != StatusOK {
		color = 0xE01E5A
	}

	var fields []map[string]any
	for k, v := range n.Fields {
		fields = append(fields, map[string]any{"name": k, "value": v, "inline": true})
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", icon(n.Status), n.Title),
		"description": fmt.Sprintf("**Version:** %s | **Rows:** %d\n\n%s", n.Version, n.Rows, n.Body),
		"color":       color,
		"fields":      fields,
		"timestamp":   n.Timestamp.UTC().Format(time.RFC3339),
	}

	if err := post(ctx, d.client, d.webhookURL, map[string]any{"embeds": []map[string]any{embed}}, nil); err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	return nil
}
