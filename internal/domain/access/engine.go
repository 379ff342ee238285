package access

// invalid is the internal sentinel for "redacted or nonexistent". It never
// leaves this package's public API: Get maps it to nil at the top level and
// drops it from objects and arrays.
type invalid struct{}

// isInvalid reports whether v is the redaction sentinel.
func isInvalid(v any) bool {
	_, ok := v.(invalid)
	return ok
}

// wrapper splits a node into its wrapper parts. A node is a wrapper when it
// is an object carrying a "data" key; the sibling "meta" key, when present,
// is its policy descriptor. Other keys on a wrapper are ignored on read.
func wrapper(node any) (data, meta any, hasMeta, ok bool) {
	obj, isObj := node.(map[string]any)
	if !isObj {
		return nil, nil, false, false
	}
	data, ok = obj["data"]
	if !ok {
		return nil, nil, false, false
	}
	meta, hasMeta = obj["meta"]
	return data, meta, hasMeta, true
}

// Get walks path from root and returns the projection of the subtree there,
// as seen by a caller holding the given roles. Missing paths and fully
// redacted subtrees come back as nil.
func Get(root any, path []string, held RoleSet) any {
	node, perms, ok := Descend(root, path)
	if !ok {
		return nil
	}
	projection := project(node, perms, held)
	if isInvalid(projection) {
		return nil
	}
	return projection
}

// Descend walks path from root, stepping transparently through wrapper nodes
// and accumulating permissions from every policy descriptor it passes. It
// returns the node at the path along with the permissions in force there;
// ok is false when a key along the way does not exist.
func Descend(root any, path []string) (any, Permissions, bool) {
	perms := NewPermissions()
	node := root
	for _, key := range path {
		node = unwrap(node, perms)
		obj, isObj := node.(map[string]any)
		if !isObj {
			return nil, perms, false
		}
		child, exists := obj[key]
		if !exists {
			return nil, perms, false
		}
		node = child
	}
	return node, perms, true
}

// Unwrap steps through nested wrapper nodes, applying each policy descriptor
// to perms, and returns the innermost logical value together with the updated
// permissions. The store uses it to reach the mutable object behind a policy
// node.
func Unwrap(node any, perms Permissions) (any, Permissions) {
	return unwrap(node, perms), perms
}

// unwrap steps through nested wrapper nodes, applying each policy descriptor
// to perms, and returns the innermost logical value.
func unwrap(node any, perms Permissions) any {
	for {
		data, meta, hasMeta, ok := wrapper(node)
		if !ok {
			return node
		}
		if hasMeta {
			perms.Update(meta)
		}
		node = data
	}
}

// project rebuilds node into a redacted copy under the given permissions.
//
// A wrapper keeps its {"data","meta"} shape only for callers whose held roles
// actually satisfy the read_meta gate; everyone else — the administrative
// caller included — receives the data branch directly, so the common case is
// a pure data view with no wrappers.
func project(node any, perms Permissions, held RoleSet) any {
	if data, meta, hasMeta, ok := wrapper(node); ok {
		scope := perms.Clone()
		if hasMeta {
			scope.Update(meta)
		}
		if hasMeta && len(held) > 0 && scope.Grants(OpReadMeta, held) {
			dataProjection := project(data, scope, held)
			if isInvalid(dataProjection) {
				dataProjection = nil
			}
			metaProjection := project(meta, metaScope(scope), held)
			if isInvalid(metaProjection) {
				metaProjection = nil
			}
			return map[string]any{
				"data": dataProjection,
				"meta": metaProjection,
			}
		}
		return project(data, scope, held)
	}

	switch value := node.(type) {
	case map[string]any:
		result := make(map[string]any, len(value))
		for key, child := range value {
			childProjection := project(child, perms, held)
			if !isInvalid(childProjection) {
				result[key] = childProjection
			}
		}
		// Partial visibility: an object with at least one readable
		// descendant is emitted even when read_data is denied at this scope.
		if perms.Allows(OpReadData, held) || len(result) > 0 {
			return result
		}
		return invalid{}

	case []any:
		if !perms.Allows(OpReadData, held) {
			return invalid{}
		}
		result := make([]any, 0, len(value))
		for _, entry := range value {
			entryProjection := project(entry, perms, held)
			if !isInvalid(entryProjection) {
				result = append(result, entryProjection)
			}
		}
		return result

	default:
		if perms.Allows(OpReadData, held) {
			return value
		}
		return invalid{}
	}
}

// metaScope derives the permissions used when projecting a policy descriptor
// itself: visibility of metadata content is governed by read_meta, so the
// read_data gate inside the meta branch is the read_meta gate.
func metaScope(perms Permissions) Permissions {
	scope := perms.Clone()
	scope[OpReadData] = perms[OpReadMeta].clone()
	return scope
}
