// Package rbac decides what a visitor may do from the kind of session they
// hold.
package rbac

type Role string
type Action string

const (
	// RoleVisitor has no session at all.
	RoleVisitor Role = "visitor"
	// RoleAnonymous signed in without an account.
	RoleAnonymous Role = "anonymous"
	RoleMember    Role = "member"
)

const (
	ActionRead        Action = "read"
	ActionComment     Action = "comment"
	ActionUploadCover Action = "upload_cover"
	ActionImport      Action = "import"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleMember:
		return action == ActionRead || action == ActionComment || action == ActionUploadCover || action == ActionImport
	case RoleAnonymous:
		return action == ActionRead || action == ActionComment
	case RoleVisitor:
		return action == ActionRead
	default:
		return false
	}
}

// RoleOf maps a session to its role. An empty userID is a visitor.
func RoleOf(userID string, anonymous bool) Role {
	switch {
	case userID == "":
		return RoleVisitor
	case anonymous:
		return RoleAnonymous
	default:
		return RoleMember
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleVisitor, RoleAnonymous, RoleMember:
		return Role(role)
	default:
		return RoleVisitor
	}
}
