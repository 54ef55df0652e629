package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "visitor read", role: RoleVisitor, action: ActionRead, allow: true},
		{name: "visitor comment", role: RoleVisitor, action: ActionComment, allow: false},
		{name: "anonymous comment", role: RoleAnonymous, action: ActionComment, allow: true},
		{name: "anonymous cover", role: RoleAnonymous, action: ActionUploadCover, allow: false},
		{name: "anonymous import", role: RoleAnonymous, action: ActionImport, allow: false},
		{name: "member cover", role: RoleMember, action: ActionUploadCover, allow: true},
		{name: "member import", role: RoleMember, action: ActionImport, allow: true},
		{name: "unknown role", role: Role("root"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestRoleOf(t *testing.T) {
	if got := RoleOf("", false); got != RoleVisitor {
		t.Fatalf("expected visitor, got %q", got)
	}
	if got := RoleOf("anon_1", true); got != RoleAnonymous {
		t.Fatalf("expected anonymous, got %q", got)
	}
	if got := RoleOf("usr_1", false); got != RoleMember {
		t.Fatalf("expected member, got %q", got)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("member"); got != RoleMember {
		t.Fatalf("expected member, got %q", got)
	}
	if got := Normalize("admin"); got != RoleVisitor {
		t.Fatalf("expected unknown roles to fall back to visitor, got %q", got)
	}
}
