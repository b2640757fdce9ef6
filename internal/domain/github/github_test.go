package github

import "testing"

func TestRepositoryOwner(t *testing.T) {
	r := Repository{FullName: "acme/widgets"}
	owner, name := r.Owner()
	if owner != "acme" || name != "widgets" {
		t.Fatalf("got %q/%q", owner, name)
	}
}
