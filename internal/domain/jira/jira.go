// Package jira defines the locally stored Jira entities and the helpers that
// interpret Jira's loosely typed issue fields.
package jira

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Instance is one Jira Cloud site, identified by its domain.
type Instance struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
}

// Project is a Jira project, unique per instance.
type Project struct {
	ID            int64      `json:"id"`
	InstanceID    int64      `json:"instance_id"`
	JiraProjectID string     `json:"jira_project_id"`
	Key           string     `json:"key"`
	Name          string     `json:"name"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	LockedBy      *string    `json:"locked_by,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
}

// Sprint is a sprint observed on a board or on an issue.
type Sprint struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	JiraSprintID int64      `json:"jira_sprint_id"`
	BoardID      int64      `json:"board_id,omitempty"`
	Name         string     `json:"name"`
	State        string     `json:"state,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	CompleteDate *time.Time `json:"complete_date,omitempty"`
}

// StatusCategory is the coarse workflow bucket of an issue status.
type StatusCategory string

const (
	StatusCategoryNew           StatusCategory = "new"
	StatusCategoryIndeterminate StatusCategory = "indeterminate"
	StatusCategoryDone          StatusCategory = "done"
)

// MapStatusCategory maps a Jira status category key. Jira reports
// "undefined" for statuses without a category.
func MapStatusCategory(key string) StatusCategory {
	switch key {
	case "new", "undefined":
		return StatusCategoryNew
	case "indeterminate":
		return StatusCategoryIndeterminate
	case "done":
		return StatusCategoryDone
	default:
		return StatusCategoryIndeterminate
	}
}

// Issue is a Jira issue row.
type Issue struct {
	ID                int64           `json:"id"`
	ProjectID         int64           `json:"project_id"`
	SprintID          *int64          `json:"sprint_id,omitempty"`
	JiraIssueID       string          `json:"jira_issue_id"`
	Key               string          `json:"key"`
	Summary           string          `json:"summary"`
	IssueType         string          `json:"issue_type,omitempty"`
	Status            string          `json:"status,omitempty"`
	StatusCategory    *StatusCategory `json:"status_category,omitempty"`
	Priority          string          `json:"priority,omitempty"`
	StoryPoints       *float64        `json:"story_points,omitempty"`
	AssigneeAccountID string          `json:"assignee_account_id,omitempty"`
	AssigneeName      *string         `json:"assignee_name,omitempty"`
	AssigneeAvatarURL string          `json:"assignee_avatar_url,omitempty"`
	ReporterAccountID string          `json:"reporter_account_id,omitempty"`
	ReporterName      *string         `json:"reporter_name,omitempty"`
	CreatedAt         *time.Time      `json:"created_at,omitempty"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// Field is a Jira field definition from /rest/api/3/field.
type Field struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
}

// StoryPointsFields returns the IDs of custom fields that hold story points.
// Sites differ in naming ("Story Points", "Story point estimate").
func StoryPointsFields(fields []Field) []string {
	var ids []string
	for _, f := range fields {
		if f.Custom && strings.Contains(strings.ToLower(f.Name), "story point") {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// SprintField returns the ID of the custom "Sprint" field, or "".
func SprintField(fields []Field) string {
	for _, f := range fields {
		if f.Custom && strings.EqualFold(strings.TrimSpace(f.Name), "sprint") {
			return f.ID
		}
	}
	return ""
}

// SprintValue is the shape of a sprint inside an issue's sprint field.
type SprintValue struct {
	ID           int64      `json:"id"`
	BoardID      int64      `json:"boardId,omitempty"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	CompleteDate *time.Time `json:"completeDate,omitempty"`
}

// CurrentSprint decodes an issue's sprint field. The field is usually an
// array in chronological order; the last element is the current sprint.
// A single object is accepted too. Returns nil when no sprint is set.
func CurrentSprint(raw json.RawMessage) *SprintValue {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []SprintValue
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 || list[len(list)-1].ID == 0 {
			return nil
		}
		return &list[len(list)-1]
	}
	var one SprintValue
	if err := json.Unmarshal(raw, &one); err != nil || one.ID == 0 {
		return nil
	}
	return &one
}

// StoryPoints returns the first non-null numeric value among the given
// fields. Values sent as strings are parsed.
func StoryPoints(fields map[string]json.RawMessage, ids []string) *float64 {
	for _, id := range ids {
		raw, ok := fields[id]
		if !ok || len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				return &v
			}
		}
	}
	return nil
}

// SprintName returns the display name for a sprint lacking one.
func SprintName(name string, id int64) string {
	if name != "" {
		return name
	}
	return "Sprint " + strconv.FormatInt(id, 10)
}

// timeLayouts are the timestamp shapes Jira returns. Issue fields use a
// numeric zone without a colon, which RFC 3339 parsing rejects.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339Nano,
	"2006-01-02",
}

// ParseTime parses a Jira timestamp, returning nil for empty or unparseable
// input.
func ParseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// Account is the shape of a user reference inside issue fields.
type Account struct {
	AccountID   string            `json:"accountId"`
	DisplayName string            `json:"displayName"`
	AvatarURLs  map[string]string `json:"avatarUrls"`
}

// Avatar returns the 48x48 avatar URL, or "".
func (a *Account) Avatar() string {
	if a == nil {
		return ""
	}
	return a.AvatarURLs["48x48"]
}

type named struct {
	Name string `json:"name"`
}

type status struct {
	Name           string `json:"name"`
	StatusCategory struct {
		Key string `json:"key"`
	} `json:"statusCategory"`
}

// StandardFields are the built-in issue fields requested on every search.
type StandardFields struct {
	Summary        string   `json:"summary"`
	IssueType      *named   `json:"issuetype"`
	Status         *status  `json:"status"`
	Priority       *named   `json:"priority"`
	Assignee       *Account `json:"assignee"`
	Reporter       *Account `json:"reporter"`
	Created        string   `json:"created"`
	Updated        string   `json:"updated"`
	ResolutionDate string   `json:"resolutiondate"`
}

// SearchFields lists the built-in fields StandardFields decodes.
var SearchFields = []string{
	"summary", "issuetype", "status", "priority", "assignee", "reporter",
	"created", "updated", "resolutiondate",
}

// DecodeStandardFields extracts the built-in fields from a raw field map.
// Fields that fail to decode are left zero.
func DecodeStandardFields(fields map[string]json.RawMessage) StandardFields {
	var sf StandardFields
	decode := func(key string, dst any) {
		if raw, ok := fields[key]; ok && len(raw) > 0 && string(raw) != "null" {
			_ = json.Unmarshal(raw, dst)
		}
	}
	decode("summary", &sf.Summary)
	decode("issuetype", &sf.IssueType)
	decode("status", &sf.Status)
	decode("priority", &sf.Priority)
	decode("assignee", &sf.Assignee)
	decode("reporter", &sf.Reporter)
	decode("created", &sf.Created)
	decode("updated", &sf.Updated)
	decode("resolutiondate", &sf.ResolutionDate)
	return sf
}

// Issue builds the issue row from a search hit. Story points and sprint are
// filled by the caller, which knows the site's custom field IDs.
func (sf StandardFields) Issue(projectID int64, jiraIssueID, key string) Issue {
	is := Issue{
		ProjectID:   projectID,
		JiraIssueID: jiraIssueID,
		Key:         key,
		Summary:     sf.Summary,
		CreatedAt:   ParseTime(sf.Created),
		UpdatedAt:   ParseTime(sf.Updated),
		ResolvedAt:  ParseTime(sf.ResolutionDate),
	}
	if sf.IssueType != nil {
		is.IssueType = sf.IssueType.Name
	}
	if sf.Priority != nil {
		is.Priority = sf.Priority.Name
	}
	if sf.Status != nil {
		is.Status = sf.Status.Name
		if k := sf.Status.StatusCategory.Key; k != "" {
			c := MapStatusCategory(k)
			is.StatusCategory = &c
		}
	}
	if a := sf.Assignee; a != nil && a.AccountID != "" {
		is.AssigneeAccountID = a.AccountID
		is.AssigneeAvatarURL = a.Avatar()
		if a.DisplayName != "" {
			name := a.DisplayName
			is.AssigneeName = &name
		}
	}
	if r := sf.Reporter; r != nil && r.AccountID != "" {
		is.ReporterAccountID = r.AccountID
		if r.DisplayName != "" {
			name := r.DisplayName
			is.ReporterName = &name
		}
	}
	return is
}
