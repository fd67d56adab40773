package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hezronokwach/harvest/internal/domain/role"
	"github.com/hezronokwach/harvest/internal/domain/transport"
)

// Map is an immutable snapshot of identity assignments. Consumers query the
// map instead of re-deriving identity themselves.
type Map struct {
	byIdentity map[string]role.Role
}

// RoleFor returns the logical role mapped to a peer identity.
func (m Map) RoleFor(identity string) (role.Role, bool) {
	r, ok := m.byIdentity[strings.TrimSpace(identity)]
	return r, ok
}

// Assignments returns a copy of identity -> role pairs.
func (m Map) Assignments() map[string]role.Role {
	out := make(map[string]role.Role, len(m.byIdentity))
	for k, v := range m.byIdentity {
		out[k] = v
	}
	return out
}

// Len returns the number of mapped identities.
func (m Map) Len() int { return len(m.byIdentity) }

// Resolver maintains the mapping from transient peer identities to stable
// logical roles. The map is rebuilt, never mutated in place, and only when
// the set of qualifying peers changes; a mapped identity keeps its role for
// the lifetime of that connection even if later metadata conflicts.
type Resolver struct {
	mu       sync.Mutex
	aliases  role.AliasTable
	personas role.PersonaTable
	sticky   map[string]role.Role
	lastKey  string
	current  Map
	logger   zerolog.Logger
}

func NewResolver(aliases role.AliasTable, personas role.PersonaTable, logger zerolog.Logger) *Resolver {
	if aliases == nil {
		aliases = role.DefaultAliases()
	}
	if personas == nil {
		personas = role.DefaultPersonas()
	}
	return &Resolver{
		aliases:  aliases,
		personas: personas,
		sticky:   map[string]role.Role{},
		current:  Map{byIdentity: map[string]role.Role{}},
		logger:   logger.With().Str("service", "identity").Logger(),
	}
}

// Current returns the latest snapshot.
func (r *Resolver) Current() Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// RoleForAgent maps a wire-level agent/speaker/persona label to a role via
// the alias table. Centralized here so no consumer hand-rolls its own
// string-contains check.
func (r *Resolver) RoleForAgent(label string) (role.Role, bool) {
	return r.aliases.Match(label)
}

// Persona returns the display name used on the wire for a role.
func (r *Resolver) Persona(rl role.Role) string {
	return r.personas.For(rl)
}

// Reset drops all assignments at a session boundary.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky = map[string]role.Role{}
	r.lastKey = ""
	r.current = Map{byIdentity: map[string]role.Role{}}
}

// Update recomputes the map for the given remote peers. Only peers actively
// publishing audio qualify. It returns the current map, any non-fatal
// conflict diagnostics, and whether the qualifying set actually changed
// (identical sets are a no-op to avoid map churn mid-call).
func (r *Resolver) Update(peers []transport.Peer) (Map, []string, bool) {
	qualifying := make([]transport.Peer, 0, len(peers))
	for _, p := range peers {
		if p.HasAudio && strings.TrimSpace(p.Identity) != "" {
			qualifying = append(qualifying, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := setKey(qualifying)
	if key == r.lastKey {
		return r.current, nil, false
	}
	r.lastKey = key

	assigned := map[string]role.Role{}
	taken := map[role.Role]string{}
	var diags []string

	claim := func(identity string, rl role.Role, stage string) {
		if holder, exists := taken[rl]; exists {
			if holder != identity {
				diags = append(diags, fmt.Sprintf("role %s already mapped to %s; ignoring claim by %s (%s)", rl, holder, identity, stage))
				r.logger.Warn().
					Str("role", string(rl)).
					Str("holder", holder).
					Str("claimant", identity).
					Str("stage", stage).
					Msg("identity conflict, keeping earlier mapping")
			}
			return
		}
		assigned[identity] = rl
		taken[rl] = identity
	}

	// Sticky assignments survive recomputation for still-present peers.
	for _, p := range qualifying {
		if rl, ok := r.sticky[p.Identity]; ok {
			claim(p.Identity, rl, "sticky")
		}
	}

	// Stage 1: explicit metadata declaration.
	for _, p := range qualifying {
		if _, done := assigned[p.Identity]; done {
			continue
		}
		declared, persona := p.DeclaredRole()
		if rl, ok := role.Parse(declared); ok {
			claim(p.Identity, rl, "metadata")
			continue
		}
		if rl, ok := r.aliases.Match(persona); ok {
			claim(p.Identity, rl, "metadata")
		}
	}

	// Stage 2: alias match on identity or display name.
	for _, p := range qualifying {
		if _, done := assigned[p.Identity]; done {
			continue
		}
		if rl, ok := r.aliases.Match(p.Identity); ok {
			claim(p.Identity, rl, "alias")
			continue
		}
		if rl, ok := r.aliases.Match(p.Name); ok {
			claim(p.Identity, rl, "alias")
		}
	}

	// Stage 3: positional fallback, only for the unambiguous 1x1 case.
	var unmapped []string
	for _, p := range qualifying {
		if _, done := assigned[p.Identity]; !done {
			unmapped = append(unmapped, p.Identity)
		}
	}
	var open []role.Role
	for _, rl := range role.Canonical() {
		if _, used := taken[rl]; !used {
			open = append(open, rl)
		}
	}
	if len(unmapped) == 1 && len(open) == 1 {
		claim(unmapped[0], open[0], "positional")
	}

	r.sticky = assigned
	r.current = Map{byIdentity: assigned}
	return r.current, diags, true
}

func setKey(peers []transport.Peer) string {
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.Identity)
	}
	sort.Strings(ids)
	return strings.Join(ids, "\x00")
}
