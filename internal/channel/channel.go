// Package channel delivers rendered alerts over the supported transports.
//
// Every adapter satisfies Adapter: Preview renders without side effects
// (the rule-test endpoint calls it directly), Send delivers once. Adapters
// never retry; the dispatcher owns retry policy and classifies failures
// through IsPermanent.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"faultline/internal/store"
)

// Channel type names accepted in rule channel configs.
const (
	TypeEmail   = "email"
	TypeSlack   = "slack"
	TypeDiscord = "discord"
	TypeTeams   = "teams"
	TypeWebhook = "webhook"
)

// Preview is a channel-specific rendering of an alert without delivery.
// Which fields are set depends on the transport.
type Preview struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
	Body    string `json:"body,omitempty"`
	Message string `json:"message,omitempty"`
	Blocks  any    `json:"blocks,omitempty"`
}

// Adapter renders and delivers alerts for one channel type. Target is the
// rule's channel target (URL for webhook-style channels, address list for
// email); opts carries the channel's free-form options.
type Adapter interface {
	Type() string
	Preview(a store.Alert) Preview
	Send(ctx context.Context, target string, opts map[string]string, a store.Alert) error
}

// Set bundles the configured adapters keyed by channel type.
type Set map[string]Adapter

// NewSet wires every supported adapter. The email adapter is passed in
// because it carries SMTP configuration of its own.
func NewSet(email *Email, baseURL string) Set {
	return Set{
		TypeEmail:   email,
		TypeSlack:   NewSlack(baseURL),
		TypeDiscord: NewDiscord(baseURL),
		TypeTeams:   NewTeams(baseURL),
		TypeWebhook: NewWebhook(),
	}
}

// For resolves an adapter by channel type. Unknown types are permanent
// failures so misconfigured rules do not retry forever.
func (s Set) For(channelType string) (Adapter, error) {
	a, ok := s[channelType]
	if !ok {
		return nil, Permanent(fmt.Errorf("unsupported channel type %q", channelType))
	}
	return a, nil
}

// PermanentError marks a delivery failure that retrying cannot fix:
// client errors, malformed targets, unsupported channel types.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// postJSON delivers a JSON payload and classifies the response: 2xx is
// success, 408/425/429 and 5xx are transient, other 4xx are permanent.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("encode payload: %w", err))
	}
	return postBytes(ctx, client, url, headers, body)
}

func postBytes(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooEarly,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("post %s: status %d", url, resp.StatusCode))
	}
}

// Shared rendering helpers. Every transport leads with the same one-line
// summary so an alert reads the same across channels.

func summaryLine(a store.Alert) string {
	return fmt.Sprintf("[%s] %s: %s (%s)", a.Environment, strings.ToUpper(a.Severity), a.Message, reasonLabel(a.Reason))
}

func reasonLabel(reason string) string {
	switch reason {
	case store.ReasonThresholdExceeded:
		return "threshold exceeded"
	case store.ReasonSpikeDetected:
		return "spike detected"
	case store.ReasonNewError:
		return "new error"
	case store.ReasonCriticalSeverity:
		return "critical severity"
	case store.ReasonCriticalFingerprint:
		return "watched fingerprint"
	default:
		return reason
	}
}

// detailLines renders the alert body shared by the text transports.
func detailLines(a store.Alert, baseURL string) []string {
	lines := []string{
		fmt.Sprintf("Rule: %s (%s)", a.RuleName, a.RuleType),
		fmt.Sprintf("Occurrences: %d since %s", a.Count, a.FirstSeen.UTC().Format(time.RFC3339)),
		fmt.Sprintf("Last seen: %s", a.LastSeen.UTC().Format(time.RFC3339)),
		fmt.Sprintf("Fingerprint: %s", a.Fingerprint),
	}
	if a.WhyItMatters != "" {
		lines = append(lines, "", "Why it matters: "+a.WhyItMatters)
	}
	if len(a.NextSteps) > 0 {
		lines = append(lines, "", "Next steps:")
		for _, s := range a.NextSteps {
			lines = append(lines, "  - "+s)
		}
	}
	if len(a.Deployments) > 0 {
		lines = append(lines, "", "Recent deployments:")
		for _, d := range a.Deployments {
			lines = append(lines, fmt.Sprintf("  - %s at %s", d.Label, d.Timestamp.UTC().Format(time.RFC3339)))
		}
	}
	if len(a.Similar) > 0 {
		lines = append(lines, "", fmt.Sprintf("Similar incidents: %d in the recent history", len(a.Similar)))
	}
	if link := alertLink(baseURL, a); link != "" {
		lines = append(lines, "", link)
	}
	return lines
}

func alertLink(baseURL string, a store.Alert) string {
	if baseURL == "" {
		return ""
	}
	return baseURL + "/errors/" + a.GroupID.String()
}

// colorFor maps a severity to the accent color webhook-style transports
// display alongside the message.
func colorFor(severity string) string {
	switch severity {
	case store.SeverityCritical:
		return "#e01e5a"
	case store.SeverityError:
		return "#e8912d"
	case store.SeverityWarning:
		return "#ecb22e"
	default:
		return "#36c5f0"
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
