package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *resty.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{client: newClient(), webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s %s", icon(n.Status), n.Title),
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Version:* %s | *Rows:* %d\n%s", n.Version, n.Rows, n.Body),
			},
		},
	}

	if len(n.Fields) > 0 {
		keys := make([]string, 0, len(n.Fields))
		for k := range n.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var lines []string
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("*%s:* %s", k, n.Fields[k]))
		}
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": []map[string]any{{"type": "mrkdwn", "text": strings.Join(lines, "\n")}},
		})
	}

	if err := post(ctx, s.client, s.webhookURL, map[string]any{"blocks": blocks}, nil); err != nil {
		return fmt.Errorf("send slack webhook: %w", err)
	}
	return nil
}
