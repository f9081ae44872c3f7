package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleOperator is a signed-in human operator working a desk.
	RoleOperator = "operator"
	// RoleKiosk is an unattended caller endpoint; it can request
	// assignment and end its own call, nothing else.
	RoleKiosk = "kiosk"
	// RoleAdmin is internal ops.
	RoleAdmin = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
