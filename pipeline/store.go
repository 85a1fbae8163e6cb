package pipeline

import (
	"fmt"

	"github.com/civiccaption/flexcore/store"
)

// RunStore persists Runs under the run/<run_id> namespace. It owns the
// PipelineRun type; store.Store stays a dependency-free JSON KV so no
// import cycle forms between pipeline and queue, which both sit on top of
// store.
type RunStore struct {
	s *store.Store
}

func NewRunStore(s *store.Store) *RunStore {
	return &RunStore{s: s}
}

func (rs *RunStore) Get(runID string) (Run, bool, error) {
	var r Run
	found, err := rs.s.Get(storeKey(runID), &r)
	if err != nil {
		return Run{}, false, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return r, found, nil
}

func (rs *RunStore) Put(r Run) error {
	if err := rs.s.Put(storeKey(r.RunID), r); err != nil {
		return fmt.Errorf("saving run %s: %w", r.RunID, err)
	}
	return nil
}

// Mutate applies fn to the current Run (zero value if not yet created) and
// persists the result atomically with respect to other writers, the same
// compare-and-set shape the queue uses for Job state.
func (rs *RunStore) Mutate(runID string, fn func(current Run, found bool) (Run, error)) error {
	return store.MutateJSON(rs.s, storeKey(runID), func(current Run, found bool) (Run, bool, error) {
		next, err := fn(current, found)
		if err != nil {
			return Run{}, false, err
		}
		return next, false, nil
	})
}
