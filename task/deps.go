package task

// Lookup resolves the status of a task by id. ok is false when the task
// does not exist.
type Lookup func(id string) (status Status, ok bool)

// IsAssignable reports whether every dependency of t has completed. A task
// without dependencies is always assignable; an unknown, failed or
// cancelled dependency blocks it.
func IsAssignable(t *Task, lookup Lookup) bool {
	for dep := range t.Dependencies {
		st, ok := lookup(dep)
		if !ok || st != StatusCompleted {
			return false
		}
	}
	return true
}

// BlockedForever reports whether a dependency reached failed or cancelled,
// which means t can never become assignable without operator action.
func BlockedForever(t *Task, lookup Lookup) bool {
	for dep := range t.Dependencies {
		st, ok := lookup(dep)
		if ok && (st == StatusFailed || st == StatusCancelled) {
			return true
		}
	}
	return false
}

// StatusMap adapts a map of id to status into a Lookup.
func StatusMap(m map[string]Status) Lookup {
	return func(id string) (Status, bool) {
		st, ok := m[id]
		return st, ok
	}
}
