package domain

import "fmt"

// DeletePolicy controls what happens to published features whose natural key
// is absent from the current source data.
type DeletePolicy int

const (
	// RetainAll keeps published history. A fetch gap never removes features.
	RetainAll DeletePolicy = iota
	// DeleteStale removes published features no longer present in the source.
	DeleteStale
)

func (p DeletePolicy) String() string {
	switch p {
	case RetainAll:
		return "retain_all"
	case DeleteStale:
		return "delete_stale"
	default:
		return fmt.Sprintf("DeletePolicy(%d)", int(p))
	}
}

// Diff is the set of mutations that brings the hosted layer in line with the
// source. The three sets are disjoint by natural key.
type Diff struct {
	ToInsert []CanonicalFeature
	ToUpdate []CanonicalFeature
	ToDelete []CanonicalFeature
}

// Empty reports whether the diff carries no mutations.
func (d Diff) Empty() bool {
	return len(d.ToInsert) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// Len returns the total number of mutations.
func (d Diff) Len() int {
	return len(d.ToInsert) + len(d.ToUpdate) + len(d.ToDelete)
}

// Reconcile diffs freshly normalized features against the published baseline.
//
// Keys only in fresh are inserted. Keys in both with differing fingerprints are
// updated, carrying the published RemoteID. Keys only in published are deleted
// under DeleteStale and left alone otherwise. If published holds more than one
// feature for a key, the first is the baseline and the rest are ignored.
func Reconcile(fresh, published []CanonicalFeature, policy DeletePolicy) Diff {
	baseline := make(map[string]CanonicalFeature, len(published))
	for _, f := range published {
		key := f.Key()
		if _, dup := baseline[key]; dup {
			continue
		}
		baseline[key] = f
	}

	var diff Diff
	freshKeys := make(map[string]bool, len(fresh))
	for _, f := range fresh {
		key := f.Key()
		if freshKeys[key] {
			continue
		}
		freshKeys[key] = true

		prev, ok := baseline[key]
		switch {
		case !ok:
			f.RemoteID = 0
			diff.ToInsert = append(diff.ToInsert, f)
		case prev.Fingerprint != f.Fingerprint:
			f.RemoteID = prev.RemoteID
			diff.ToUpdate = append(diff.ToUpdate, f)
		}
	}

	if policy != DeleteStale {
		return diff
	}

	deleted := make(map[string]bool)
	for _, f := range published {
		key := f.Key()
		if freshKeys[key] || deleted[key] {
			continue
		}
		deleted[key] = true
		diff.ToDelete = append(diff.ToDelete, baseline[key])
	}
	return diff
}
