package jira

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMapStatusCategory(t *testing.T) {
	tests := map[string]StatusCategory{
		"new":           StatusCategoryNew,
		"undefined":     StatusCategoryNew,
		"indeterminate": StatusCategoryIndeterminate,
		"done":          StatusCategoryDone,
		"weird":         StatusCategoryIndeterminate,
	}
	for in, want := range tests {
		if got := MapStatusCategory(in); got != want {
			t.Errorf("MapStatusCategory(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFieldDiscovery(t *testing.T) {
	fields := []Field{
		{ID: "summary", Name: "Summary"},
		{ID: "customfield_10016", Name: "Story point estimate", Custom: true},
		{ID: "customfield_10026", Name: "Story Points", Custom: true},
		{ID: "customfield_10020", Name: "Sprint", Custom: true},
		{ID: "storypoints", Name: "Story points (system)", Custom: false},
	}

	ids := StoryPointsFields(fields)
	if len(ids) != 2 || ids[0] != "customfield_10016" || ids[1] != "customfield_10026" {
		t.Fatalf("unexpected story point fields %v", ids)
	}
	if got := SprintField(fields); got != "customfield_10020" {
		t.Fatalf("expected sprint field customfield_10020, got %q", got)
	}
	if got := SprintField(fields[:1]); got != "" {
		t.Fatalf("expected no sprint field, got %q", got)
	}
}

func TestCurrentSprint(t *testing.T) {
	arr := json.RawMessage(`[{"id":1,"name":"S1","state":"closed"},{"id":2,"name":"S2","state":"active"}]`)
	s := CurrentSprint(arr)
	if s == nil || s.ID != 2 || s.State != "active" {
		t.Fatalf("expected last sprint, got %+v", s)
	}

	one := json.RawMessage(`{"id":7,"name":"Solo"}`)
	if s := CurrentSprint(one); s == nil || s.ID != 7 {
		t.Fatalf("expected single sprint, got %+v", s)
	}

	for _, raw := range []string{"", "null", "[]", `"garbage"`} {
		if s := CurrentSprint(json.RawMessage(raw)); s != nil {
			t.Errorf("CurrentSprint(%q) = %+v, want nil", raw, s)
		}
	}
}

func TestStoryPoints(t *testing.T) {
	fields := map[string]json.RawMessage{
		"customfield_1": json.RawMessage("null"),
		"customfield_2": json.RawMessage("5"),
		"customfield_3": json.RawMessage(`"8"`),
	}
	if sp := StoryPoints(fields, []string{"customfield_1", "customfield_2"}); sp == nil || *sp != 5 {
		t.Fatalf("expected 5, got %v", sp)
	}
	if sp := StoryPoints(fields, []string{"customfield_3"}); sp == nil || *sp != 8 {
		t.Fatalf("expected 8 from string, got %v", sp)
	}
	if sp := StoryPoints(fields, []string{"customfield_1", "missing"}); sp != nil {
		t.Fatalf("expected nil, got %v", *sp)
	}
}

func TestSprintName(t *testing.T) {
	if got := SprintName("", 12); got != "Sprint 12" {
		t.Errorf("got %q", got)
	}
	if got := SprintName("Alpha", 12); got != "Alpha" {
		t.Errorf("got %q", got)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-03-01T10:15:30.000+0100", "2024-03-01T09:15:30Z"},
		{"2024-03-01T09:15:30Z", "2024-03-01T09:15:30Z"},
		{"2024-03-01", "2024-03-01T00:00:00Z"},
	}
	for _, tt := range tests {
		got := ParseTime(tt.in)
		if got == nil {
			t.Fatalf("ParseTime(%q) = nil", tt.in)
		}
		if s := got.UTC().Format(time.RFC3339); s != tt.want {
			t.Errorf("ParseTime(%q) = %s, want %s", tt.in, s, tt.want)
		}
	}
	if ParseTime("") != nil || ParseTime("yesterday") != nil {
		t.Fatal("expected nil for empty and garbage input")
	}
}

func TestDecodeStandardFields(t *testing.T) {
	fields := map[string]json.RawMessage{
		"summary":        json.RawMessage(`"Fix login"`),
		"issuetype":      json.RawMessage(`{"name":"Bug"}`),
		"status":         json.RawMessage(`{"name":"In Review","statusCategory":{"key":"indeterminate"}}`),
		"priority":       json.RawMessage(`null`),
		"assignee":       json.RawMessage(`{"accountId":"a1","displayName":"Ada","avatarUrls":{"48x48":"https://x/48.png"}}`),
		"reporter":       json.RawMessage(`{"accountId":"r1"}`),
		"created":        json.RawMessage(`"2024-03-01T10:15:30.000+0000"`),
		"updated":        json.RawMessage(`"2024-03-02T10:15:30.000+0000"`),
		"resolutiondate": json.RawMessage(`null`),
	}
	is := DecodeStandardFields(fields).Issue(3, "10001", "ENG-1")

	if is.ProjectID != 3 || is.JiraIssueID != "10001" || is.Key != "ENG-1" {
		t.Fatalf("identity not set: %+v", is)
	}
	if is.Summary != "Fix login" || is.IssueType != "Bug" || is.Status != "In Review" {
		t.Errorf("unexpected text fields: %+v", is)
	}
	if is.Priority != "" {
		t.Errorf("expected empty priority, got %q", is.Priority)
	}
	if is.StatusCategory == nil || *is.StatusCategory != StatusCategoryIndeterminate {
		t.Errorf("unexpected status category %v", is.StatusCategory)
	}
	if is.AssigneeAccountID != "a1" || is.AssigneeName == nil || *is.AssigneeName != "Ada" {
		t.Errorf("unexpected assignee: %+v", is)
	}
	if is.AssigneeAvatarURL != "https://x/48.png" {
		t.Errorf("unexpected avatar %q", is.AssigneeAvatarURL)
	}
	if is.ReporterAccountID != "r1" || is.ReporterName != nil {
		t.Errorf("reporter without display name should leave name nil: %+v", is)
	}
	if is.CreatedAt == nil || is.UpdatedAt == nil || is.ResolvedAt != nil {
		t.Errorf("unexpected timestamps: %v %v %v", is.CreatedAt, is.UpdatedAt, is.ResolvedAt)
	}
}
