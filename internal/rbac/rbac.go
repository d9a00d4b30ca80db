package rbac

// Role is the kind of principal behind a request.
type Role string
type Action string

const (
	// RoleServer is a backend holding the application secret.
	RoleServer Role = "server"
	// RoleClient is an end user acting through a client token.
	RoleClient Role = "client"
)

const (
	ActionRead        Action = "read"
	ActionComment     Action = "comment"
	ActionResolve     Action = "resolve"
	ActionPresence    Action = "presence"
	ActionNotify      Action = "notify"
	ActionManageUsers Action = "manage_users"
	ActionAdmin       Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleServer:
		return true
	case RoleClient:
		return action == ActionRead || action == ActionComment || action == ActionResolve || action == ActionPresence
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleServer, RoleClient:
		return Role(role)
	default:
		return RoleClient
	}
}
