// Package access implements role-based projection over a dynamic JSON tree.
// It is pure: no I/O, no locking, no clocks. The store runs it under its own
// mutex and callers receive freshly built values.
package access

// Operation names the six gated operations a policy descriptor may mention.
type Operation string

const (
	OpReadData   Operation = "read_data"
	OpReadMeta   Operation = "read_meta"
	OpWriteData  Operation = "write_data"
	OpWriteMeta  Operation = "write_meta"
	OpCreateData Operation = "create_data"
	OpDeleteData Operation = "delete_data"
)

// operations lists every recognised operation. Keys in a policy descriptor
// outside this list are ignored.
var operations = []Operation{
	OpReadData, OpReadMeta,
	OpWriteData, OpWriteMeta,
	OpCreateData, OpDeleteData,
}

// RoleSet is a set of role names.
type RoleSet map[string]struct{}

// NewRoleSet builds a RoleSet from the given role names.
func NewRoleSet(roles ...string) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts a role. Duplicates are no-ops.
func (s RoleSet) Add(role string) {
	s[role] = struct{}{}
}

// Contains reports whether role is in the set.
func (s RoleSet) Contains(role string) bool {
	_, ok := s[role]
	return ok
}

// Intersects reports whether the two sets share at least one role.
func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for r := range small {
		if _, ok := large[r]; ok {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the set.
func (s RoleSet) Clone() RoleSet {
	c := make(RoleSet, len(s))
	for r := range s {
		c[r] = struct{}{}
	}
	return c
}

// permission is the state of one operation's gate: either open (no require
// has bound it yet, so every caller passes) or restricted to a role set.
type permission struct {
	open  bool
	roles RoleSet
}

func (p *permission) clone() *permission {
	return &permission{open: p.open, roles: p.roles.Clone()}
}

// Permissions is the per-operation role-set tuple accumulated while
// descending the tree.
//
// Defaults follow the "no policy means no restriction on reading data"
// contract: read_data starts open, so a tree without any policy descriptor is
// fully readable by any caller. The metadata and write gates start closed;
// they open only when a descriptor names roles for them (or for the internal
// administrative caller, which bypasses every gate).
type Permissions map[Operation]*permission

// NewPermissions returns the tuple in its default state.
func NewPermissions() Permissions {
	p := make(Permissions, len(operations))
	for _, op := range operations {
		p[op] = &permission{open: op == OpReadData, roles: NewRoleSet()}
	}
	return p
}

// Clone returns an independent copy of the tuple.
func (p Permissions) Clone() Permissions {
	c := make(Permissions, len(p))
	for op, perm := range p {
		c[op] = perm.clone()
	}
	return c
}

// Allows reports whether a caller holding the given roles may perform op at
// this scope. An empty held set is the internal administrative path and
// passes every check.
func (p Permissions) Allows(op Operation, held RoleSet) bool {
	if len(held) == 0 {
		return true
	}
	return p.Grants(op, held)
}

// Grants reports whether the held roles satisfy the gate for op on their own
// merits, with no administrative bypass. The projection uses this to decide
// whether a caller has actually earned metadata visibility.
func (p Permissions) Grants(op Operation, held RoleSet) bool {
	perm := p[op]
	return perm.open || held.Intersects(perm.roles)
}

// Update applies a policy descriptor to the tuple: require replaces the set
// for an operation (closing its gate), allow unions into it, and allowing a
// write additionally allows the matching read at this layer. Non-object
// descriptors and unknown operation keys are ignored.
func (p Permissions) Update(meta any) {
	desc, ok := meta.(map[string]any)
	if !ok {
		return
	}
	if require, ok := desc["require"].(map[string]any); ok {
		for _, op := range operations {
			if roles, ok := require[string(op)]; ok {
				p[op] = &permission{roles: toRoleSet(roles)}
			}
		}
	}
	if allow, ok := desc["allow"].(map[string]any); ok {
		for _, op := range operations {
			if roles, ok := allow[string(op)]; ok {
				for r := range toRoleSet(roles) {
					p[op].roles.Add(r)
					switch op {
					case OpWriteData:
						p[OpReadData].roles.Add(r)
					case OpWriteMeta:
						p[OpReadMeta].roles.Add(r)
					}
				}
			}
		}
	}
}

// toRoleSet converts a decoded JSON value (expected: array of strings) into a
// RoleSet. Non-string entries are skipped.
func toRoleSet(v any) RoleSet {
	s := NewRoleSet()
	entries, ok := v.([]any)
	if !ok {
		return s
	}
	for _, e := range entries {
		if role, ok := e.(string); ok {
			s.Add(role)
		}
	}
	return s
}
