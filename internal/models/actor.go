package models

type Role string

const (
	RoleBuyer     Role = "BUYER"
	RoleAgent     Role = "AGENT"
	RoleDeveloper Role = "DEVELOPER"
	RoleSolicitor Role = "SOLICITOR"
	RoleAdmin     Role = "ADMIN"
	// RoleSystem is used by background sweeps; no human token carries it.
	RoleSystem Role = "SYSTEM"
)

func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleAgent, RoleDeveloper, RoleSolicitor, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the authenticated caller as resolved by the API layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemActor = Actor{ID: "system", Role: RoleSystem}

