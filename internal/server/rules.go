package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"faultline/internal/alert"
	"faultline/internal/alertmetrics"
	"faultline/internal/apierr"
	"faultline/internal/channel"
	"faultline/internal/store"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	rules, err := s.store.ListRules(r.Context(), p.ID)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if rules == nil {
		rules = []store.AlertRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	rule, err := s.store.GetRule(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ruleRequest is the create payload; updates patch the same fields.
type ruleRequest struct {
	Name            string                `json:"name" validate:"required,max=200"`
	Type            store.RuleType        `json:"type" validate:"required"`
	Enabled         *bool                 `json:"enabled"`
	CooldownMinutes int                   `json:"cooldownMinutes" validate:"min=0,max=10080"`
	Conditions      store.RuleConditions  `json:"conditions"`
	Channels        []store.ChannelConfig `json:"channels" validate:"max=10"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if fields := checkRule(&req); len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid rule", fields))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	rule := &store.AlertRule{
		ID:              uuid.Must(uuid.NewV7()),
		ProjectID:       p.ID,
		Name:            req.Name,
		Type:            req.Type,
		Enabled:         enabled,
		CooldownMinutes: req.CooldownMinutes,
		Conditions:      req.Conditions,
		Channels:        req.Channels,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// rulePatch carries partial updates; nil fields keep their current value.
type rulePatch struct {
	Name            *string                `json:"name"`
	Type            *store.RuleType        `json:"type"`
	Enabled         *bool                  `json:"enabled"`
	CooldownMinutes *int                   `json:"cooldownMinutes"`
	Conditions      *store.RuleConditions  `json:"conditions"`
	Channels        *[]store.ChannelConfig `json:"channels"`
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	var patch rulePatch
	if err := decodeJSON(r, &patch); err != nil {
		apierr.Write(w, err)
		return
	}

	rule, err := s.store.GetRule(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Type != nil {
		rule.Type = *patch.Type
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.CooldownMinutes != nil {
		rule.CooldownMinutes = *patch.CooldownMinutes
	}
	if patch.Conditions != nil {
		rule.Conditions = *patch.Conditions
	}
	if patch.Channels != nil {
		rule.Channels = *patch.Channels
	}

	// Re-validate the merged state, not just the patch.
	merged := ruleRequest{
		Name:            rule.Name,
		Type:            rule.Type,
		CooldownMinutes: rule.CooldownMinutes,
		Conditions:      rule.Conditions,
		Channels:        rule.Channels,
	}
	if fields := checkRule(&merged); len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid rule", fields))
		return
	}

	rule.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if err := s.store.DeleteRule(r.Context(), p.ID, id); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// channelPreview is one channel's rendering in a rule test response.
type channelPreview struct {
	Type    string           `json:"type"`
	Target  string           `json:"target"`
	Preview *channel.Preview `json:"preview,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// handleTestRule evaluates a rule against the project's most recent group
// (or a synthetic sample) and renders each channel without delivering.
// The evaluation is honest: a threshold rule on a quiet project reports
// triggered=false, but the previews render regardless.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	rule, err := s.store.GetRule(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	ev := s.sampleEvent(r.Context(), p.ID)
	snap := alertmetrics.NewSnapshot(s.store, ev, time.Now().UTC())
	m, err := snap.For(r.Context(), rule)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	eval := alert.Evaluate(rule, ev, m)
	a := s.dispatcher.BuildAlert(r.Context(), rule, ev, eval)

	previews := make([]channelPreview, 0, len(rule.Channels))
	for _, ch := range rule.Channels {
		cp := channelPreview{Type: ch.Type, Target: ch.Target}
		adapter, err := s.adapters.For(ch.Type)
		if err != nil {
			cp.Error = err.Error()
		} else {
			pv := adapter.Preview(a)
			cp.Preview = &pv
		}
		previews = append(previews, cp)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"triggered":  eval.Triggered,
		"evaluation": eval,
		"alert":      a,
		"channels":   previews,
	})
}

// sampleEvent stands in for a live event when testing a rule: the most
// recently seen group if the project has traffic, a synthetic one if not.
func (s *Server) sampleEvent(ctx context.Context, projectID uuid.UUID) alert.Event {
	groups, _, err := s.store.ListGroups(ctx, projectID, store.GroupQuery{Limit: 1}.Normalize())
	if err == nil && len(groups) > 0 {
		g := groups[0]
		ev := alert.Event{
			ProjectID:   projectID,
			GroupID:     g.ID,
			Fingerprint: g.Fingerprint,
			Message:     g.Message,
			Severity:    g.Severity,
			Environment: g.Environment,
			Timestamp:   g.LastSeen,
			Count:       g.Count,
			FirstSeen:   g.FirstSeen,
			LastSeen:    g.LastSeen,
		}
		for _, f := range g.StackTrace {
			if f.File != "" {
				ev.Files = append(ev.Files, f.File)
			}
		}
		return ev
	}

	now := time.Now().UTC()
	return alert.Event{
		ProjectID:   projectID,
		GroupID:     uuid.Must(uuid.NewV7()),
		Fingerprint: "sample",
		Message:     "Sample error for rule testing",
		Severity:    store.SeverityError,
		Environment: "production",
		Timestamp:   now,
		IsNew:       true,
		Count:       1,
		FirstSeen:   now,
		LastSeen:    now,
	}
}

// checkRule validates a rule payload: the generic field bounds, then the
// per-type condition requirements, channel configs and the filter tree.
func checkRule(req *ruleRequest) map[string]string {
	fields := validationFields(apiValidate.Struct(req))

	if req.Type != "" && !req.Type.Valid() {
		fields["type"] = "must be one of threshold, spike, new_error, critical"
	}

	switch req.Type {
	case store.RuleThreshold:
		if req.Conditions.Threshold < 1 {
			fields["conditions.threshold"] = "must be a positive integer"
		}
		if req.Conditions.WindowMinutes < 1 {
			fields["conditions.windowMinutes"] = "must be a positive integer"
		}
	case store.RuleSpike:
		if req.Conditions.IncreasePercent <= 0 {
			fields["conditions.increasePercent"] = "must be positive"
		}
		if req.Conditions.WindowMinutes < 0 || req.Conditions.BaselineMinutes < 0 {
			fields["conditions.windowMinutes"] = "must not be negative"
		}
	case store.RuleCritical:
		if sev := req.Conditions.Severity; sev != "" && store.NormalizeSeverity(sev) != sev {
			fields["conditions.severity"] = "must be a canonical severity level"
		}
	}

	if len(req.Channels) == 0 {
		fields["channels"] = "at least one channel is required"
	}
	for i, ch := range req.Channels {
		switch ch.Type {
		case channel.TypeEmail:
			// Empty target means the whole team.
		case channel.TypeSlack, channel.TypeDiscord, channel.TypeTeams, channel.TypeWebhook:
			if ch.Target == "" {
				fields[fmt.Sprintf("channels[%d].target", i)] = "is required"
			}
		default:
			fields[fmt.Sprintf("channels[%d].type", i)] = "must be one of email, slack, discord, teams, webhook"
		}
	}

	if req.Conditions.Filter != nil {
		checkFilter(req.Conditions.Filter, "conditions.filter", fields)
	}
	return fields
}

// checkFilter walks the scope filter tree. Internal nodes need a boolean
// op and children; leaves need a known field and operator.
func checkFilter(n *store.FilterNode, path string, fields map[string]string) {
	if !n.Leaf() {
		if n.Op != "and" && n.Op != "or" {
			fields[path+".op"] = "must be and or or"
		}
		if len(n.Conditions) == 0 {
			fields[path+".conditions"] = "must not be empty"
		}
		for i := range n.Conditions {
			checkFilter(&n.Conditions[i], fmt.Sprintf("%s.conditions[%d]", path, i), fields)
		}
		return
	}

	switch n.Field {
	case "environment", "severity", "userSegment", "file", "fingerprint":
	default:
		fields[path+".field"] = "must be one of environment, severity, userSegment, file, fingerprint"
	}
	switch n.Operator {
	case "equals", "contains", "startsWith", "in", "not":
	default:
		fields[path+".operator"] = "must be one of equals, contains, startsWith, in, not"
	}
	if n.Value == nil {
		fields[path+".value"] = "is required"
	}
}
