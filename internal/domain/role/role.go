package role

import "strings"

// Role is a fixed negotiation participant, independent of any
// transport-level connection identity.
type Role string

const (
	Seller Role = "seller"
	Buyer  Role = "buyer"
)

// Canonical returns all roles in canonical order. The first role listed
// opens the negotiation.
func Canonical() []Role {
	return []Role{Seller, Buyer}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == Seller || r == Buyer
}

// Counterpart returns the opposite side of a two-party negotiation.
func (r Role) Counterpart() Role {
	if r == Seller {
		return Buyer
	}
	return Seller
}

// AliasTable maps each role to lowercase substrings recognized in peer
// identities, display names and agent labels. The upstream naming scheme
// is not stable across deployments, so the table is configuration, not code.
type AliasTable map[Role][]string

// DefaultAliases covers the naming conventions observed across upstream
// deployments, including the legacy "juma" label for the seller.
func DefaultAliases() AliasTable {
	return AliasTable{
		Seller: {"halima", "juma", "seller"},
		Buyer:  {"alex", "buyer"},
	}
}

// Match returns the role whose alias appears as a substring of s.
// Matching is case-insensitive; the empty string matches nothing.
func (t AliasTable) Match(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	for _, r := range Canonical() {
		for _, alias := range t[r] {
			if alias != "" && strings.Contains(s, alias) {
				return r, true
			}
		}
	}
	return "", false
}

// Parse maps an explicit role declaration ("seller"/"buyer") to a Role.
func Parse(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case Seller:
		return Seller, true
	case Buyer:
		return Buyer, true
	}
	return "", false
}

// PersonaTable maps roles to the display names used on the wire
// (the "agent", "speaker", "from" and "by" fields).
type PersonaTable map[Role]string

// DefaultPersonas returns the persona names used by the stock deployment.
func DefaultPersonas() PersonaTable {
	return PersonaTable{
		Seller: "Halima",
		Buyer:  "Alex",
	}
}

// For returns the persona for a role, falling back to the role name itself.
func (p PersonaTable) For(r Role) string {
	if name, ok := p[r]; ok && name != "" {
		return name
	}
	return string(r)
}
