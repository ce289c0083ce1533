package models

const (
	CustomerRole = "customer"
	AdminRole    = "admin"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case CustomerRole, AdminRole:
		return true
	}
	return false
}
