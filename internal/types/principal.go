// Package types defines the shared data model for the federated query
// pipeline: principals, predicates, rowsets, source descriptors, and the
// typed error kinds every stage reports.
package types

// Principal identifies the caller for the life of one query. It is resolved
// by the upstream authentication layer and passed by value; nothing in the
// pipeline mutates it.
type Principal struct {
	UserID       string   `json:"user_id"`
	TenantID     string   `json:"tenant_id"`
	Role         string   `json:"role"`
	TeamID       string   `json:"team_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the principal carries the named capability
// tag (e.g. "pii_access").
func (p Principal) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Attr resolves a principal attribute by its wire name. Used by security
// rules of the form `column == principal.team_id`. Unknown attributes
// return ("", false) so rules evaluating them fail closed.
func (p Principal) Attr(name string) (string, bool) {
	switch name {
	case "user_id":
		return p.UserID, true
	case "tenant_id":
		return p.TenantID, true
	case "role":
		return p.Role, true
	case "team_id":
		return p.TeamID, true
	default:
		return "", false
	}
}
