// Package pmprovider defines the issue-tracker fetch client port consumed
// by the Jira sync pipeline.
package pmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/jira"
)

// ErrThrottled is returned when the API kept throttling after every retry.
var ErrThrottled = errors.New("issue tracker API throttled")

// Project is a project visible to the credential.
type Project struct {
	ID        string
	Key       string
	Name      string
	AvatarURL string
}

// Board is an agile board.
type Board struct {
	ID   int64
	Name string
	Type string // "scrum" or "kanban"
}

// User is an Atlassian account.
type User struct {
	AccountID   string
	DisplayName string
	AvatarURL   string
}

// Issue is one search hit. Fields keeps raw values so site-specific custom
// fields (story points, sprint) can be decoded by ID.
type Issue struct {
	ID     string
	Key    string
	Fields map[string]json.RawMessage
}

// SearchPage is one page of a JQL search.
type SearchPage struct {
	StartAt    int
	MaxResults int
	Total      int
	Issues     []Issue
}

// Sprint is a sprint listed on a board.
type Sprint = jira.SprintValue

// Client is the rate-limited, throttle-aware view of one credential's access
// to the issue-tracker API.
type Client interface {
	Myself(ctx context.Context) (*User, error)
	Fields(ctx context.Context) ([]jira.Field, error)
	Projects(ctx context.Context) ([]Project, error)
	Boards(ctx context.Context, projectKey string) ([]Board, error)
	Sprints(ctx context.Context, boardID int64) ([]Sprint, error)
	SearchIssues(ctx context.Context, jql string, fields []string, startAt, maxResults int) (*SearchPage, error)
	User(ctx context.Context, accountID string) (*User, error)
}

// Auth is what a Jira client needs from a credential.
type Auth struct {
	Domain string
	Email  string
	Token  string
}

// Factory builds a Client for a decrypted credential.
type Factory func(auth Auth, onThrottle func(wait time.Duration)) Client
