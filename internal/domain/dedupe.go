package domain

// Dedupe keeps one feature per natural key. When both candidates carry
// revision info the most recently revised wins; otherwise the first seen is
// kept. Output order follows first appearance of each key.
func Dedupe(features []CanonicalFeature) (kept, dropped []CanonicalFeature) {
	index := make(map[string]int, len(features))
	kept = make([]CanonicalFeature, 0, len(features))

	for _, f := range features {
		key := f.Key()
		i, seen := index[key]
		if !seen {
			index[key] = len(kept)
			kept = append(kept, f)
			continue
		}
		if f.RevisedAt.After(kept[i].RevisedAt) && !kept[i].RevisedAt.IsZero() {
			dropped = append(dropped, kept[i])
			kept[i] = f
			continue
		}
		dropped = append(dropped, f)
	}
	return kept, dropped
}
