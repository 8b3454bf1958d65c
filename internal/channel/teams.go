package channel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"faultline/internal/store"
)

// Teams posts alerts to Microsoft Teams incoming webhooks as MessageCards.
type Teams struct {
	client  *http.Client
	baseURL string
}

func NewTeams(baseURL string) *Teams {
	return &Teams{client: defaultHTTPClient(), baseURL: baseURL}
}

func (t *Teams) Type() string { return TypeTeams }

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type teamsSection struct {
	ActivityTitle string      `json:"activityTitle,omitempty"`
	Facts         []teamsFact `json:"facts,omitempty"`
	Text          string      `json:"text,omitempty"`
}

type teamsAction struct {
	Type    string        `json:"@type"`
	Name    string        `json:"name"`
	Targets []teamsTarget `json:"targets"`
}

type teamsTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

type teamsCard struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary"`
	ThemeColor string         `json:"themeColor"`
	Title      string         `json:"title"`
	Sections   []teamsSection `json:"sections"`
	Actions    []teamsAction  `json:"potentialAction,omitempty"`
}

func (t *Teams) Preview(a store.Alert) Preview {
	return Preview{Message: summaryLine(a) + "\n" + strings.Join(detailLines(a, t.baseURL), "\n")}
}

func (t *Teams) Send(ctx context.Context, target string, _ map[string]string, a store.Alert) error {
	if !strings.HasPrefix(target, "https://") {
		return Permanent(fmt.Errorf("teams target %q: not a webhook url", target))
	}
	return postJSON(ctx, t.client, target, nil, t.card(a))
}

func (t *Teams) card(a store.Alert) teamsCard {
	section := teamsSection{
		Facts: []teamsFact{
			{Name: "Rule", Value: a.RuleName},
			{Name: "Reason", Value: reasonLabel(a.Reason)},
			{Name: "Environment", Value: a.Environment},
			{Name: "Occurrences", Value: strconv.FormatInt(a.Count, 10)},
			{Name: "Fingerprint", Value: a.Fingerprint},
		},
	}
	if a.WhyItMatters != "" {
		section.Text = a.WhyItMatters
	}

	card := teamsCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    summaryLine(a),
		ThemeColor: strings.TrimPrefix(colorFor(a.Severity), "#"),
		Title:      summaryLine(a),
		Sections:   []teamsSection{section},
	}
	if len(a.NextSteps) > 0 {
		card.Sections = append(card.Sections, teamsSection{
			ActivityTitle: "Next steps",
			Text:          "- " + strings.Join(a.NextSteps, "\r- "),
		})
	}
	if link := alertLink(t.baseURL, a); link != "" {
		card.Actions = []teamsAction{{
			Type:    "OpenUri",
			Name:    "Open in Faultline",
			Targets: []teamsTarget{{OS: "default", URI: link}},
		}}
	}
	return card
}
