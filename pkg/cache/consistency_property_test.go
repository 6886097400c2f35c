package cache_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/syros-io/syros/pkg/cache"
	"github.com/syros-io/syros/pkg/leasestore"
)

// TestTagIndexConsistency exercises random interleavings of set, delete
// and invalidate and checks the tag-index invariant afterwards: every key
// still reachable through a tag must be a live entry carrying that tag.
func TestTagIndexConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	type op struct {
		kind int // 0 = set, 1 = delete, 2 = invalidate
		key  int
		tag  int
	}

	genOp := gopter.CombineGens(
		gen.IntRange(0, 2), gen.IntRange(0, 4), gen.IntRange(0, 2),
	).Map(func(vals []interface{}) op {
		return op{kind: vals[0].(int), key: vals[1].(int), tag: vals[2].(int)}
	})

	properties.Property("tag index never references a dead or untagged key", prop.ForAll(
		func(ops []op) bool {
			ctx := context.Background()
			m := cache.NewManager(leasestore.NewMemory(nil), cache.Options{})

			// Mirror of what should be live, key -> tags.
			live := map[string][]string{}

			for _, o := range ops {
				key := fmt.Sprintf("k%d", o.key)
				tags := []string{fmt.Sprintf("t%d", o.tag), fmt.Sprintf("t%d", (o.tag+1)%3)}
				switch o.kind {
				case 0:
					if err := m.Set(ctx, key, json.RawMessage(`1`), time.Hour, tags); err != nil {
						return false
					}
					live[key] = tags
				case 1:
					if _, err := m.Delete(ctx, key); err != nil {
						return false
					}
					delete(live, key)
				case 2:
					tag := fmt.Sprintf("t%d", o.tag)
					if _, err := m.InvalidateTag(ctx, tag); err != nil {
						return false
					}
					for k, ts := range live {
						for _, t := range ts {
							if t == tag {
								delete(live, k)
								break
							}
						}
					}
				}
			}

			// Every mirrored-live key must hit; every other key must miss.
			for i := 0; i < 5; i++ {
				key := fmt.Sprintf("k%d", i)
				_, found, err := m.Get(ctx, key)
				if err != nil {
					return false
				}
				_, wantLive := live[key]
				if found != wantLive {
					return false
				}
			}

			// Invalidating every tag again touches only mirrored-live keys.
			total := 0
			for i := 0; i < 3; i++ {
				n, err := m.InvalidateTag(ctx, fmt.Sprintf("t%d", i))
				if err != nil {
					return false
				}
				total += n
			}
			return total == len(live)
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}
