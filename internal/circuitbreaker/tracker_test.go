package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dskow/routing-gateway/internal/circuitbreaker"
	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var _ = Describe("Tracker", func() {
	const openFor = 30 * time.Second

	var (
		clock    *fakeClock
		policies map[string]destination.CircuitPolicy
		tracker  *circuitbreaker.Tracker
	)

	BeforeEach(func() {
		clock = &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
		policies = map[string]destination.CircuitPolicy{
			"p1": {FailureThreshold: 3, OpenDurationMs: int(openFor / time.Millisecond)},
			"p2": {FailureThreshold: 1, OpenDurationMs: 1000},
		}
		lookup := func(id string) (destination.CircuitPolicy, bool) {
			p, ok := policies[id]
			return p, ok
		}
		tracker = circuitbreaker.NewTracker(lookup, circuitbreaker.WithClock(clock.Now))
	})

	trip := func(id string, n int) {
		for i := 0; i < n; i++ {
			tracker.RecordFailure(id)
		}
	}

	Describe("a destination with no history", func() {
		It("is closed and admits calls", func() {
			Expect(tracker.IsOpen("p1")).To(BeFalse())
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateClosed))
			Expect(tracker.Stats("p1").FailureCount).To(BeZero())
		})
	})

	Context("when failures stay below the threshold", func() {
		It("remains closed", func() {
			trip("p1", 2)
			Expect(tracker.IsOpen("p1")).To(BeFalse())
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateClosed))
			Expect(tracker.Stats("p1").FailureCount).To(Equal(2))
			Expect(tracker.Stats("p1").LastFailure).To(Equal(clock.Now()))
		})
	})

	Context("when failures reach the threshold", func() {
		BeforeEach(func() {
			trip("p1", 3)
		})

		It("opens", func() {
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateOpen))
			Expect(tracker.IsOpen("p1")).To(BeTrue())
		})

		It("stays open until the open duration elapses from the last failure", func() {
			clock.Advance(openFor - time.Millisecond)
			Expect(tracker.IsOpen("p1")).To(BeTrue())
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateOpen))
		})

		It("measures the window from the most recent failure", func() {
			clock.Advance(openFor / 2)
			tracker.RecordFailure("p1")
			clock.Advance(openFor / 2)
			Expect(tracker.IsOpen("p1")).To(BeTrue())
		})

		It("moves to half-open on the first check after the window", func() {
			clock.Advance(openFor)
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateOpen), "no transition without a query")
			Expect(tracker.IsOpen("p1")).To(BeFalse())
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("reports Ready without reserving the probe", func() {
			Expect(tracker.Ready("p1")).To(BeFalse())
			clock.Advance(openFor)
			Expect(tracker.Ready("p1")).To(BeTrue())
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateOpen))
			Expect(tracker.IsOpen("p1")).To(BeFalse())
		})
	})

	Context("when half-open", func() {
		BeforeEach(func() {
			trip("p1", 3)
			clock.Advance(openFor)
			Expect(tracker.IsOpen("p1")).To(BeFalse())
		})

		It("admits only one probe", func() {
			Expect(tracker.IsOpen("p1")).To(BeTrue())
			Expect(tracker.IsOpen("p1")).To(BeTrue())
		})

		It("admits a new probe when the outstanding one never reports", func() {
			clock.Advance(openFor)
			Expect(tracker.IsOpen("p1")).To(BeFalse())
		})

		It("closes on success", func() {
			tracker.RecordSuccess("p1")
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateClosed))
			Expect(tracker.Stats("p1").FailureCount).To(BeZero())
			Expect(tracker.IsOpen("p1")).To(BeFalse())
			Expect(tracker.IsOpen("p1")).To(BeFalse())
		})

		It("reopens on failure", func() {
			tracker.RecordFailure("p1")
			Expect(tracker.Stats("p1").State).To(Equal(circuitbreaker.StateOpen))
			Expect(tracker.IsOpen("p1")).To(BeTrue())
		})
	})

	Describe("RecordSuccess", func() {
		DescribeTable("always resets to closed with zero failures",
			func(failures int) {
				trip("p1", failures)
				tracker.RecordSuccess("p1")
				s := tracker.Stats("p1")
				Expect(s.State).To(Equal(circuitbreaker.StateClosed))
				Expect(s.FailureCount).To(BeZero())
			},
			Entry("from closed", 1),
			Entry("from open", 3),
			Entry("from far past the threshold", 10),
		)
	})

	Describe("per-destination isolation", func() {
		It("keeps breakers independent", func() {
			trip("p2", 1)
			Expect(tracker.IsOpen("p2")).To(BeTrue())
			Expect(tracker.IsOpen("p1")).To(BeFalse())
		})
	})

	Describe("unknown destinations", func() {
		It("ignores records and never opens", func() {
			trip("ghost", 10)
			Expect(tracker.IsOpen("ghost")).To(BeFalse())
			Expect(tracker.Stats("ghost").FailureCount).To(BeZero())
		})
	})

	Describe("Reset and Forget", func() {
		It("Reset closes an open breaker", func() {
			trip("p2", 1)
			tracker.Reset("p2")
			Expect(tracker.IsOpen("p2")).To(BeFalse())
			Expect(tracker.Stats("p2").LastFailure.IsZero()).To(BeTrue())
		})

		It("Forget drops the entry", func() {
			trip("p2", 1)
			tracker.Forget("p2")
			Expect(tracker.Stats("p2").State).To(Equal(circuitbreaker.StateClosed))
			Expect(tracker.IsOpen("p2")).To(BeFalse())
		})

		It("Forget removes the metric series of the destination", func() {
			policies["retired"] = destination.CircuitPolicy{FailureThreshold: 1, OpenDurationMs: 1000}
			trip("retired", 1)
			states := testutil.CollectAndCount(metrics.CircuitBreakerState)
			changes := testutil.CollectAndCount(metrics.CircuitBreakerStateChanges)

			tracker.Forget("retired")
			Expect(testutil.CollectAndCount(metrics.CircuitBreakerState)).To(Equal(states - 1))
			Expect(testutil.CollectAndCount(metrics.CircuitBreakerStateChanges)).To(Equal(changes - 1))
		})
	})

	Describe("concurrent use", func() {
		It("counts every failure", func() {
			policies["p3"] = destination.CircuitPolicy{FailureThreshold: 1000, OpenDurationMs: 1000}
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					tracker.RecordFailure("p3")
					tracker.IsOpen("p3")
				}()
			}
			wg.Wait()
			Expect(tracker.Stats("p3").FailureCount).To(Equal(50))
		})
	})
})
