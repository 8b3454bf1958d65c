package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"faultline/internal/store"
)

// Slack posts alerts to incoming-webhook URLs using Block Kit.
type Slack struct {
	client  *http.Client
	baseURL string
}

func NewSlack(baseURL string) *Slack {
	return &Slack{client: defaultHTTPClient(), baseURL: baseURL}
}

func (s *Slack) Type() string { return TypeSlack }

func (s *Slack) Preview(a store.Alert) Preview {
	return Preview{
		Text:   summaryLine(a),
		Blocks: s.blocks(a),
	}
}

func (s *Slack) Send(ctx context.Context, target string, _ map[string]string, a store.Alert) error {
	if !strings.HasPrefix(target, "https://") {
		return Permanent(fmt.Errorf("slack target %q: not a webhook url", target))
	}
	msg := &slack.WebhookMessage{
		Text:   summaryLine(a),
		Blocks: &slack.Blocks{BlockSet: s.blocks(a)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, target, s.client, msg); err != nil {
		var sc slack.StatusCodeError
		if errors.As(err, &sc) && sc.Code >= 400 && sc.Code < 500 &&
			sc.Code != http.StatusRequestTimeout && sc.Code != http.StatusTooManyRequests {
			return Permanent(fmt.Errorf("slack webhook: %w", err))
		}
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func (s *Slack) blocks(a store.Alert) []slack.Block {
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Rule:*\n%s", a.RuleName), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Reason:*\n%s", reasonLabel(a.Reason)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Environment:*\n%s", a.Environment), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Occurrences:*\n%d", a.Count), false, false),
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(summaryLine(a), 150), false, false)),
		slack.NewSectionBlock(nil, fields, nil),
	}
	if a.WhyItMatters != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Why it matters:* "+a.WhyItMatters, false, false), nil, nil))
	}
	if len(a.NextSteps) > 0 {
		var sb strings.Builder
		sb.WriteString("*Next steps:*")
		for _, step := range a.NextSteps {
			sb.WriteString("\n• " + step)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, sb.String(), false, false), nil, nil))
	}
	if link := alertLink(s.baseURL, a); link != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("<%s|Open in Faultline>", link), false, false)))
	}
	return blocks
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
