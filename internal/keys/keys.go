package keys

// Package keys centralizes Redis key construction for the event journal.
// It is kept in internal to avoid leaking key formats to public API.

// DefaultNamespace prefixes every key when no namespace is configured.
const DefaultNamespace = "audtext"

// Task returns the key holding the last journaled event of a task.
// The task id is a hash tag so a task's key lands on one cluster slot.
func Task(ns, taskID string) string { return ns + ":{task:" + taskID + "}" }

// Index returns the ZSET key ordering journaled task ids by last update (ms).
func Index(ns string) string { return ns + ":tasks" }

// Journal holds precomputed keys for a namespace to avoid repeated concatenations.
type Journal struct {
	Namespace string
	Index     string
}

// For returns the journal keys of the provided namespace; an empty namespace
// falls back to DefaultNamespace.
func For(ns string) Journal {
	if ns == "" {
		ns = DefaultNamespace
	}
	return Journal{Namespace: ns, Index: Index(ns)}
}

// Task returns the event key of taskID within the journal's namespace.
func (j Journal) Task(taskID string) string { return Task(j.Namespace, taskID) }
