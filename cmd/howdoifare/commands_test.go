package main

import (
	"slices"
	"strings"
	"testing"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain/credential"
)

func TestParseFilters(t *testing.T) {
	f, err := parseFilters("3, 7", "", " ENG,,OPS ")
	if err != nil {
		t.Fatalf("parseFilters: %v", err)
	}
	if !slices.Equal(f.OrgIDs, []int64{3, 7}) {
		t.Errorf("org ids = %v", f.OrgIDs)
	}
	if len(f.RepoIDs) != 0 {
		t.Errorf("repo ids = %v, want none", f.RepoIDs)
	}
	if !slices.Equal(f.ProjectKeys, []string{"ENG", "OPS"}) {
		t.Errorf("project keys = %v", f.ProjectKeys)
	}
}

func TestParseFiltersEmpty(t *testing.T) {
	f, err := parseFilters("", " ", "")
	if err != nil {
		t.Fatal(err)
	}
	if f != nil {
		t.Errorf("filters = %+v, want nil", f)
	}
}

func TestParseFiltersRejectsBadIDs(t *testing.T) {
	for _, in := range []string{"abc", "0", "-4", "1,x"} {
		if _, err := parseFilters(in, "", ""); err == nil || !strings.Contains(err.Error(), "--orgs") {
			t.Errorf("parseFilters(%q) err = %v", in, err)
		}
	}
}

func TestSystemAndCredential(t *testing.T) {
	sys, id, err := systemAndCredential([]string{"JIRA", "jcred_1"})
	if err != nil {
		t.Fatal(err)
	}
	if sys != credential.SystemJira || id != "jcred_1" {
		t.Errorf("got %q %q", sys, id)
	}
	if _, _, err := systemAndCredential([]string{"gitlab", "x"}); err == nil {
		t.Error("expected error for unknown system")
	}
	if _, _, err := systemAndCredential([]string{"github"}); err == nil {
		t.Error("expected error for missing credential id")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCancelRequiresNumericID(t *testing.T) {
	if err := runCancel([]string{"abc"}); err == nil || !strings.Contains(err.Error(), "invalid job id") {
		t.Fatalf("runCancel err = %v", err)
	}
}
