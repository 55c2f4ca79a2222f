//go:build property

package network

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/devserve/internal/logging"
)

// TestStateProperties checks the Enable contract over random call sequences.
func TestStateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("events equal value changes and up/down stay complementary", prop.ForAll(
		func(calls []bool) bool {
			s := NewState(logging.NewNop())
			rec := &recorder{}
			s.Subscribe(rec.record)

			current := true
			var expected []bool
			for _, v := range calls {
				s.Enable(v)
				if v != current {
					expected = append(expected, v)
					current = v
				}
				if s.Up() == s.Down() || s.Up() != current {
					return false
				}
			}

			got := rec.all()
			if len(got) != len(expected) {
				return false
			}
			for i := range got {
				if got[i] != expected[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("status codes other than 503/504 never transition", prop.ForAll(
		func(codes []int) bool {
			s := NewState(logging.NewNop())
			rec := &recorder{}
			s.Subscribe(rec.record)

			for _, code := range codes {
				if code == 503 || code == 504 {
					continue
				}
				s.OnProxyStatus(code)
			}
			return s.Up() && len(rec.all()) == 0
		},
		gen.SliceOf(gen.IntRange(100, 599)),
	))

	properties.TestingRun(t)
}
