package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"faultline/internal/auth"
	"faultline/internal/channel"
	"faultline/internal/registry"
	"faultline/internal/store"
)

// adminEmail is the seeded operator identity.
const adminEmail = "admin@faultline.local"

// runBootstrap seeds an empty store with enough state to exercise the whole
// pipeline immediately: an admin user, a demo project, a default threshold
// rule and a team member receiving its notifications. Secrets are printed
// once and stored only as hashes.
func runBootstrap(ctx context.Context, logger *slog.Logger, st store.Store, reg *registry.Registry, tokens *auth.TokenService) error {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) > 0 {
		logger.Info("store is not empty, skipping bootstrap", "projects", len(projects))
		return nil
	}

	password, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generate password: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	admin := &store.User{
		ID:           uuid.Must(uuid.NewV7()),
		Email:        adminEmail,
		PasswordHash: hash,
		CreatedAt:    now,
	}
	if err := st.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	project, key, err := reg.CreateProject(ctx, petname.Generate(2, "-"))
	if err != nil {
		return fmt.Errorf("create demo project: %w", err)
	}
	admin.Memberships = []store.Membership{{ProjectID: project.ID, Role: store.RoleAdmin}}
	if err := st.UpdateUser(ctx, admin); err != nil {
		return fmt.Errorf("grant membership: %w", err)
	}

	member := &store.TeamMember{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: project.ID,
		Name:      "Admin",
		Email:     adminEmail,
		Role:      "admin",
		Active:    true,
		Prefs:     store.AlertPreferences{Email: store.EmailPreference{Mode: "immediate"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateMember(ctx, member); err != nil {
		return fmt.Errorf("create default member: %w", err)
	}

	rule := &store.AlertRule{
		ID:              uuid.Must(uuid.NewV7()),
		ProjectID:       project.ID,
		Name:            "High error volume",
		Type:            store.RuleThreshold,
		Enabled:         true,
		CooldownMinutes: 15,
		Conditions:      store.RuleConditions{Threshold: 10, WindowMinutes: 5},
		Channels:        []store.ChannelConfig{{Type: channel.TypeEmail, Target: adminEmail}},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := st.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("create default rule: %w", err)
	}

	token, expires, err := tokens.Issue(admin.ID, admin.Email)
	if err != nil {
		return fmt.Errorf("issue admin token: %w", err)
	}

	fmt.Printf("bootstrap complete\n\n")
	fmt.Printf("  project:        %s (%s)\n", project.Name, project.ID)
	fmt.Printf("  api key:        %s\n", key)
	fmt.Printf("  admin user:     %s\n", admin.Email)
	fmt.Printf("  admin password: %s\n", password)
	fmt.Printf("  bearer token:   %s\n", token)
	fmt.Printf("  token expires:  %s\n\n", expires.UTC().Format(time.RFC3339))
	fmt.Printf("The key and password are stored as hashes; this is the only time they are shown.\n")
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
