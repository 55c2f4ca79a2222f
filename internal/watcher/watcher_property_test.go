//go:build property

package watcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/devserve/internal/logging"
)

func genKinds() gopter.Gen {
	kind := gen.IntRange(int(Created), int(Deleted)).Map(func(i int) EventKind { return EventKind(i) })
	return gen.SliceOf(kind)
}

// TestCoalescingProperties validates the kind-merge rules and the
// one-event-per-path-per-window guarantee.
func TestCoalescingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("a trailing delete always wins", prop.ForAll(
		func(kinds []EventKind) bool {
			if len(kinds) == 0 {
				return true
			}
			merged := kinds[0]
			for _, k := range kinds[1:] {
				merged = mergeKind(merged, k)
			}
			return (merged == Deleted) == (kinds[len(kinds)-1] == Deleted)
		},
		genKinds(),
	))

	properties.Property("created survives only from an undeleted create", prop.ForAll(
		func(kinds []EventKind) bool {
			if len(kinds) == 0 {
				return true
			}
			merged := kinds[0]
			for _, k := range kinds[1:] {
				merged = mergeKind(merged, k)
			}
			if merged != Created {
				return true
			}
			if kinds[0] != Created {
				return false
			}
			for _, k := range kinds {
				if k == Deleted {
					return false
				}
			}
			return true
		},
		genKinds(),
	))

	properties.Property("burst on each path yields one event per path", prop.ForAll(
		func(paths int, burst int) bool {
			fw, err := New(Options{Root: t.TempDir(), Coalesce: 20 * time.Millisecond}, logging.NewNop())
			if err != nil {
				return false
			}
			defer fw.Stop()

			now := time.Now()
			for i := 0; i < burst; i++ {
				for p := 0; p < paths; p++ {
					fw.queue(fmt.Sprintf("/virtual/%d.html", p), Modified, now)
				}
			}

			seen := make(map[string]int)
			deadline := time.After(time.Second)
			for len(seen) < paths {
				select {
				case ev := <-fw.Events():
					seen[ev.Path]++
				case <-deadline:
					return false
				}
			}

			select {
			case ev := <-fw.Events():
				seen[ev.Path]++
			case <-time.After(60 * time.Millisecond):
			}

			for _, n := range seen {
				if n != 1 {
					return false
				}
			}
			return len(seen) == paths
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 15),
	))

	properties.TestingRun(t)
}
