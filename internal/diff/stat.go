package diff

import (
	"fmt"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// Stat summarises a patch for display in the audit listing.
type Stat struct {
	Hunks   int `json:"hunks"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

// Summarize counts hunks and added/deleted lines in patch. An empty patch
// yields a zero Stat.
func Summarize(patch []byte) (Stat, error) {
	if len(patch) == 0 {
		return Stat{}, nil
	}
	hunks, err := godiff.ParseHunks(patch)
	if err != nil {
		return Stat{}, fmt.Errorf("diff: summarize: %w", err)
	}
	var st Stat
	for _, h := range hunks {
		s := h.Stat()
		st.Hunks++
		st.Added += int(s.Added + s.Changed)
		st.Deleted += int(s.Deleted + s.Changed)
	}
	return st, nil
}
