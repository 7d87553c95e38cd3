package consumer

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"meshlb/pkg/workload"
)

// op is one randomized action applied to a single job under test:
// reserve a party of size N, or have a previously-seated player leave.
type op struct {
	kind string // "reserve" or "leave"
	size int
}

func genOp() gopter.Gen {
	return gen.OneConstOf("reserve", "leave").FlatMap(func(v interface{}) gopter.Gen {
		kind := v.(string)
		if kind == "leave" {
			return gen.Const(op{kind: "leave"})
		}
		return gen.IntRange(1, 3).Map(func(n int) op {
			return op{kind: "reserve", size: n}
		})
	}, reflect.TypeOf(op{}))
}

func TestSeatAccountingNeverExceedsCapacity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const capacity = 5

	properties.Property("occupants+reservations never exceeds capacity", prop.ForAll(
		func(ops []op) bool {
			j := newJob("prop-room", capacity, nil, newFakeWorkload(), nil)
			seated := make([]string, 0, capacity)
			next := 0

			for _, o := range ops {
				switch o.kind {
				case "reserve":
					ids := make([]string, o.size)
					for i := range ids {
						next++
						ids[i] = fmt.Sprintf("p%d", next)
					}
					if err := j.ReserveSeats(ids, time.Minute); err == nil {
						for _, id := range ids {
							_ = j.Arrive(id)
							seated = append(seated, id)
						}
					}
				case "leave":
					if len(seated) > 0 {
						id := seated[0]
						seated = seated[1:]
						_ = j.Leave(id)
					}
				}
				if j.OccupantCount()+j.ReservationCount() > capacity {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genOp()),
	))

	properties.TestingRun(t)
}

func TestSchedulerLoadMatchesOccupantsAcrossJobs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("scheduler Load equals sum of per-job occupancy", prop.ForAll(
		func(partySizes []int) bool {
			s := New(fakeFactory(), Options{
				AutoCreate: true,
				Limits:     workload.Limits{DefaultSeatCount: 3, MaxSeatCount: 3},
			}, nil)
			defer s.Close(context.Background())

			ctx := context.Background()
			expected := 0
			next := 0
			for _, size := range partySizes {
				if size <= 0 || size > 3 {
					continue
				}
				ids := make([]string, size)
				for i := range ids {
					next++
					ids[i] = fmt.Sprintf("p%d", next)
				}
				if _, err := s.Consume(ctx, ConsumeRequest{PlayerIDs: ids}); err == nil {
					expected += size
				}
			}
			return s.Load() == expected
		},
		gen.SliceOfN(8, gen.IntRange(1, 3)),
	))

	properties.TestingRun(t)
}
