package models

// Permission is an action a subuser may perform on a server.
type Permission string

const (
	PermissionStart         Permission = "start"
	PermissionStop          Permission = "stop"
	PermissionRestart       Permission = "restart"
	PermissionConsole       Permission = "console"
	PermissionViewFiles     Permission = "viewFiles"
	PermissionEditFiles     Permission = "editFiles"
	PermissionViewLogs      Permission = "viewLogs"
	PermissionEditSettings  Permission = "editSettings"
	PermissionManageBackups Permission = "manageBackups"
	PermissionManagePlugins Permission = "managePlugins"
)

// AllPermissions lists the closed set of grantable permissions.
var AllPermissions = []Permission{
	PermissionStart,
	PermissionStop,
	PermissionRestart,
	PermissionConsole,
	PermissionViewFiles,
	PermissionEditFiles,
	PermissionViewLogs,
	PermissionEditSettings,
	PermissionManageBackups,
	PermissionManagePlugins,
}

// String returns the string representation of the permission
func (p Permission) String() string {
	return string(p)
}

// IsValid checks if the permission belongs to the closed set
func (p Permission) IsValid() bool {
	switch p {
	case PermissionStart, PermissionStop, PermissionRestart, PermissionConsole,
		PermissionViewFiles, PermissionEditFiles, PermissionViewLogs,
		PermissionEditSettings, PermissionManageBackups, PermissionManagePlugins:
		return true
	default:
		return false
	}
}

// ParsePermissions converts raw values into a permission set. Duplicates
// collapse to their first occurrence. Every value outside the closed set is
// returned in invalid, in input order.
func ParsePermissions(values []string) (perms []Permission, invalid []string) {
	seen := make(map[Permission]bool, len(values))
	for _, v := range values {
		p := Permission(v)
		if !p.IsValid() {
			invalid = append(invalid, v)
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		perms = append(perms, p)
	}
	return perms, invalid
}
