package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name       string
		privileges []string
		action     Action
		allow      bool
	}{
		{name: "base_user read", privileges: []string{"base_user"}, action: ActionRead, allow: true},
		{name: "base_user propose", privileges: []string{"base_user"}, action: ActionPropose, allow: true},
		{name: "base_user edit", privileges: []string{"base_user"}, action: ActionEdit, allow: false},
		{name: "base_user review", privileges: []string{"base_user"}, action: ActionReview, allow: false},
		{name: "editor edit", privileges: []string{"base_user", "editor"}, action: ActionEdit, allow: true},
		{name: "editor review", privileges: []string{"base_user", "editor"}, action: ActionReview, allow: false},
		{name: "reviewer review", privileges: []string{"base_user", "reviewer"}, action: ActionReview, allow: true},
		{name: "admin admin", privileges: []string{"admin"}, action: ActionAdmin, allow: true},
		{name: "reported user cannot propose", privileges: []string{}, action: ActionPropose, allow: false},
		{name: "unknown privilege ignored", privileges: []string{"superuser"}, action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.privileges, tc.action); got != tc.allow {
				t.Fatalf("Can(%v, %q) = %v, want %v", tc.privileges, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("reviewer"); got != PrivilegeReviewer {
		t.Errorf("Normalize(reviewer) = %q", got)
	}
	if got := Normalize("root"); got != "" {
		t.Errorf("Normalize(root) = %q, want empty", got)
	}
}
