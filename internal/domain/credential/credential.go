// Package credential defines the stored authorizations the sync engine runs under.
package credential

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
)

// System identifies the external platform a credential authorizes against.
type System string

const (
	SystemGitHub System = "github"
	SystemJira   System = "jira"
)

// Systems lists every supported system in scheduling order.
var Systems = []System{SystemGitHub, SystemJira}

// ParseSystem validates a system name.
func ParseSystem(s string) (System, error) {
	switch System(strings.ToLower(s)) {
	case SystemGitHub:
		return SystemGitHub, nil
	case SystemJira:
		return SystemJira, nil
	default:
		return "", fmt.Errorf("%w: unknown system %q", domain.ErrValidation, s)
	}
}

// Credential is one user's authorization to one external system.
// Secret holds the encrypted form only; it is never serialized.
type Credential struct {
	ID           string     `json:"id"`
	System       System     `json:"system"`
	UserID       string     `json:"user_id"`
	Label        string     `json:"label"`
	Secret       string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`

	// GitHub
	Username string `json:"github_username,omitempty"`

	// Jira
	Domain              string   `json:"domain,omitempty"`
	Email               string   `json:"email,omitempty"`
	StoryPointsFieldIDs []string `json:"story_points_field_ids,omitempty"`
	SprintFieldID       string   `json:"sprint_field_id,omitempty"`
}

// CreateRequest holds the fields to store a new credential.
type CreateRequest struct {
	System System `json:"system"`
	UserID string `json:"user_id"`
	Label  string `json:"label"`
	Secret string `json:"secret"` // plaintext, encrypted before storage
	Domain string `json:"domain,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Validate checks the request for the fields its system needs.
func (r *CreateRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if r.Secret == "" {
		return fmt.Errorf("%w: secret is required", domain.ErrValidation)
	}
	if r.System == SystemJira && (r.Domain == "" || r.Email == "") {
		return fmt.Errorf("%w: jira credentials need a domain and an email", domain.ErrValidation)
	}
	return nil
}

// NewID returns a fresh credential identifier with the system prefix
// ("gcred_" or "jcred_").
func NewID(s System) string {
	prefix := "gcred_"
	if s == SystemJira {
		prefix = "jcred_"
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
