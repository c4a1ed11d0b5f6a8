package revision

import "time"

// Timestamped is anything with a creation time.
type Timestamped interface {
	Timestamp() time.Time
}

// LatestIndex returns the position of the entry with the greatest timestamp.
// When several entries share it the earliest one wins.
func LatestIndex[T Timestamped](xs []T) (int, error) {
	if len(xs) == 0 {
		return -1, ErrEmpty
	}
	index := 0
	best := xs[0].Timestamp()
	for i := 1; i < len(xs); i++ {
		if ts := xs[i].Timestamp(); ts.After(best) {
			index = i
			best = ts
		}
	}
	return index, nil
}

type identified interface {
	revisionID() string
}

// position finds id in xs, trying hint first. Returns -1 when absent.
func position[T identified](xs []T, id string, hint int) int {
	if hint >= 0 && hint < len(xs) && xs[hint].revisionID() == id {
		return hint
	}
	for i, x := range xs {
		if x.revisionID() == id {
			return i
		}
	}
	return -1
}
