package channel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"faultline/internal/store"
)

// Discord posts alerts to Discord webhook URLs as a single embed.
type Discord struct {
	client  *http.Client
	baseURL string
}

func NewDiscord(baseURL string) *Discord {
	return &Discord{client: defaultHTTPClient(), baseURL: baseURL}
}

func (d *Discord) Type() string { return TypeDiscord }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Content  string         `json:"content,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *Discord) Preview(a store.Alert) Preview {
	return Preview{Message: summaryLine(a) + "\n" + strings.Join(detailLines(a, d.baseURL), "\n")}
}

func (d *Discord) Send(ctx context.Context, target string, _ map[string]string, a store.Alert) error {
	if !strings.HasPrefix(target, "https://") {
		return Permanent(fmt.Errorf("discord target %q: not a webhook url", target))
	}
	return postJSON(ctx, d.client, target, nil, d.payload(a))
}

func (d *Discord) payload(a store.Alert) discordPayload {
	embed := discordEmbed{
		Title: truncate(summaryLine(a), 256),
		URL:   alertLink(d.baseURL, a),
		Color: embedColor(a.Severity),
		Fields: []discordField{
			{Name: "Rule", Value: a.RuleName, Inline: true},
			{Name: "Reason", Value: reasonLabel(a.Reason), Inline: true},
			{Name: "Environment", Value: a.Environment, Inline: true},
			{Name: "Occurrences", Value: strconv.FormatInt(a.Count, 10), Inline: true},
		},
	}
	if a.WhyItMatters != "" {
		embed.Description = a.WhyItMatters
	}
	if len(a.NextSteps) > 0 {
		embed.Fields = append(embed.Fields, discordField{
			Name:  "Next steps",
			Value: "- " + strings.Join(a.NextSteps, "\n- "),
		})
	}
	return discordPayload{Username: "Faultline", Embeds: []discordEmbed{embed}}
}

// embedColor converts the shared hex accent into the decimal form Discord
// expects.
func embedColor(severity string) int {
	hex := strings.TrimPrefix(colorFor(severity), "#")
	n, err := strconv.ParseInt(hex, 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
