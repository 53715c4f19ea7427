package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Resolution errors.
var (
	ErrUnmetDependency   = errors.New("unmet dependency")
	ErrActivationFailure = errors.New("activation failed")
)

// UnmetDependencyError names the dependencies a skipped plugin was still
// waiting for when resolution stopped.
type UnmetDependencyError struct {
	Plugin  string
	Missing []string
}

func (e *UnmetDependencyError) Error() string {
	return fmt.Sprintf("plugin %q: unmet dependencies: %s", e.Plugin, strings.Join(e.Missing, ", "))
}

// Is lets errors.Is match ErrUnmetDependency.
func (e *UnmetDependencyError) Is(target error) bool {
	return target == ErrUnmetDependency
}

// Candidate is the resolver's view of one plugin.
type Candidate struct {
	ID           string
	Priority     int
	Dependencies []string
}

// ActivateFunc activates a single plugin. A non-nil error marks it failed.
type ActivateFunc func(id string) error

// Resolution is the outcome of a Resolve call.
type Resolution struct {
	Order   []string                         // activation order
	Failed  map[string]error                 // activation callback failed
	Skipped map[string]*UnmetDependencyError // never became ready
	Passes  int
}

// Resolve computes an activation order with iterative fixed-point passes.
// Each pass activates every pending enabled candidate whose dependencies
// were all activated by earlier passes, in priority then id order. Resolution
// stops after a pass that activates nothing; whatever is still pending is
// skipped. Candidates absent from enabled are never considered, so their
// dependents end up skipped. A nil activate treats every activation as
// successful.
func Resolve(candidates []Candidate, enabled map[string]bool, activate ActivateFunc) Resolution {
	res := Resolution{
		Failed:  make(map[string]error),
		Skipped: make(map[string]*UnmetDependencyError),
	}

	seen := make(map[string]bool, len(candidates))
	var pending []Candidate
	for _, c := range candidates {
		if seen[c.ID] || !enabled[c.ID] {
			continue
		}
		seen[c.ID] = true
		pending = append(pending, c)
	}
	sortCandidates(pending)

	activated := make(map[string]bool)
	for len(pending) > 0 {
		var ready, waiting []Candidate
		for _, c := range pending {
			if satisfied(c, activated) {
				ready = append(ready, c)
			} else {
				waiting = append(waiting, c)
			}
		}
		if len(ready) == 0 {
			break
		}
		res.Passes++

		var newly []string
		for _, c := range ready {
			if err := callActivate(activate, c.ID); err != nil {
				if !errors.Is(err, ErrActivationFailure) {
					err = fmt.Errorf("%w: %s: %w", ErrActivationFailure, c.ID, err)
				}
				res.Failed[c.ID] = err
				continue
			}
			res.Order = append(res.Order, c.ID)
			newly = append(newly, c.ID)
		}
		// Pass k only sees activations from passes < k.
		for _, id := range newly {
			activated[id] = true
		}
		pending = waiting
		if len(newly) == 0 {
			break
		}
	}

	for _, c := range pending {
		res.Skipped[c.ID] = &UnmetDependencyError{Plugin: c.ID, Missing: missing(c, activated)}
	}
	return res
}

func callActivate(activate ActivateFunc, id string) (err error) {
	if activate == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return activate(id)
}

func satisfied(c Candidate, activated map[string]bool) bool {
	for _, dep := range c.Dependencies {
		if !activated[dep] {
			return false
		}
	}
	return true
}

func missing(c Candidate, activated map[string]bool) []string {
	var out []string
	for _, dep := range c.Dependencies {
		if !activated[dep] {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority < cs[j].Priority
		}
		return cs[i].ID < cs[j].ID
	})
}
