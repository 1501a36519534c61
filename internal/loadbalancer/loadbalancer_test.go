package loadbalancer_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/experella/internal/backend"
	"github.com/angeloszaimis/experella/internal/loadbalancer"
)

var _ = Describe("ConnectionManager", func() {
	var cm *loadbalancer.ConnectionManager

	BeforeEach(func() {
		cm = loadbalancer.NewConnectionManager()
	})

	register := func(b *backend.Server) {
		w, err := cm.Register(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(BeNil())
	}

	Describe("Register", func() {
		It("should add the backend to the registry and the available queue", func() {
			register(newServer("b1", "", 1))
			Expect(cm.BackendCount()).To(Equal(1))
			Expect(cm.AvailableCount()).To(Equal(1))
		})

		It("should reject a duplicate name", func() {
			register(newServer("b1", "", 1))
			_, err := cm.Register(newServer("b1", "", 1))
			Expect(err).To(MatchError(loadbalancer.ErrDuplicateBackend))
			Expect(cm.BackendCount()).To(Equal(1))
		})

		It("should hand a new backend to a waiting connection", func() {
			b1 := newServer("b1", "a.test", 1)
			register(b1)
			first, second := newConn("a.test"), newConn("a.test")
			result, _ := cm.FindBackend(first)
			Expect(result).To(Equal(loadbalancer.Assigned))
			result, _ = cm.FindBackend(second)
			Expect(result).To(Equal(loadbalancer.Queued))

			b2 := newServer("b2", "a.test", 2)
			w, err := cm.Register(b2)
			Expect(err).NotTo(HaveOccurred())
			Expect(w).To(BeIdenticalTo(second))
			Expect(b2.Workload()).To(Equal(1))
			Expect(cm.WaitingCount()).To(BeZero())
			Expect(cm.AvailableCount()).To(Equal(1))
		})

		It("should bind the waiting connection through RegisterAndHandOff", func() {
			register(newServer("b1", "a.test", 1))
			first, second := newConn("a.test"), newConn("a.test")
			cm.FindBackend(first)
			cm.FindBackend(second)

			b2 := newServer("b2", "a.test", 1)
			Expect(cm.RegisterAndHandOff(b2)).To(Succeed())
			Expect(second.bound).To(ConsistOf(b2))
			Expect(cm.AvailableCount()).To(BeZero())
		})
	})

	Describe("FindBackend", func() {
		It("should reject when no registered backend matches", func() {
			register(newServer("b1", "a.test", 1))
			result, b := cm.FindBackend(newConn("nowhere.test"))
			Expect(result).To(Equal(loadbalancer.Rejected))
			Expect(b).To(BeNil())
			Expect(cm.WaitingCount()).To(BeZero())
		})

		It("should reject with an empty registry", func() {
			result, _ := cm.FindBackend(newConn("a.test"))
			Expect(result).To(Equal(loadbalancer.Rejected))
		})

		It("should queue when a matching backend is saturated", func() {
			b := newServer("b1", "a.test", 1)
			register(b)

			result, got := cm.FindBackend(newConn("a.test"))
			Expect(result).To(Equal(loadbalancer.Assigned))
			Expect(got).To(BeIdenticalTo(b))
			Expect(cm.AvailableCount()).To(BeZero())

			result, got = cm.FindBackend(newConn("a.test"))
			Expect(result).To(Equal(loadbalancer.Queued))
			Expect(got).To(BeNil())
			Expect(cm.WaitingCount()).To(Equal(1))
		})

		It("should re-insert a backend at the tail while it has capacity", func() {
			b1 := newServer("b1", "", 2)
			b2 := newServer("b2", "", 1)
			register(b1)
			register(b2)

			_, got := cm.FindBackend(newConn("x"))
			Expect(got).To(BeIdenticalTo(b1))
			Expect(cm.AvailableCount()).To(Equal(2))

			_, got = cm.FindBackend(newConn("x"))
			Expect(got).To(BeIdenticalTo(b2))

			_, got = cm.FindBackend(newConn("x"))
			Expect(got).To(BeIdenticalTo(b1))
			Expect(b1.Workload()).To(Equal(2))
			Expect(cm.AvailableCount()).To(BeZero())
		})

		It("should serve requests in FIFO order across backends", func() {
			b1 := newServer("b1", "", 1)
			b2 := newServer("b2", "", 1)
			register(b1)
			register(b2)

			_, first := cm.FindBackend(newConn("x"))
			_, second := cm.FindBackend(newConn("x"))
			Expect(first).To(BeIdenticalTo(b1))
			Expect(second).To(BeIdenticalTo(b2))
		})

		It("should skip backends that do not match", func() {
			b1 := newServer("b1", "^a\\.", 1)
			b2 := newServer("b2", "^b\\.", 1)
			register(b1)
			register(b2)

			_, got := cm.FindBackend(newConn("b.test"))
			Expect(got).To(BeIdenticalTo(b2))
			Expect(cm.AvailableCount()).To(Equal(1))
		})
	})

	Describe("Release", func() {
		It("should return the backend to the available queue", func() {
			b := newServer("b1", "", 1)
			register(b)
			cm.FindBackend(newConn("x"))

			Expect(cm.Release(b)).To(BeNil())
			Expect(b.Workload()).To(BeZero())
			Expect(cm.AvailableCount()).To(Equal(1))
		})

		It("should not duplicate a backend that never left the queue", func() {
			b := newServer("b1", "", 3)
			register(b)
			cm.FindBackend(newConn("x"))

			cm.Release(b)
			Expect(cm.AvailableCount()).To(Equal(1))
			Expect(b.Workload()).To(BeZero())
		})

		It("should hand the backend to the first matching waiter without decrementing", func() {
			b := newServer("b1", "a.test", 1)
			register(b)
			cm.FindBackend(newConn("a.test"))

			second, third := newConn("a.test"), newConn("a.test")
			cm.FindBackend(second)
			cm.FindBackend(third)

			Expect(cm.Release(b)).To(BeIdenticalTo(second))
			Expect(b.Workload()).To(Equal(1))
			Expect(cm.WaitingCount()).To(Equal(1))
			Expect(cm.AvailableCount()).To(BeZero())
		})

		It("should pass over waiters the backend cannot serve", func() {
			a := newServer("a", "^a\\.", 1)
			b := newServer("b", "^b\\.", 1)
			register(a)
			register(b)
			cm.FindBackend(newConn("a.test"))
			cm.FindBackend(newConn("b.test"))

			waitA, waitB := newConn("a.test"), newConn("b.test")
			cm.FindBackend(waitA)
			cm.FindBackend(waitB)

			Expect(cm.Release(b)).To(BeIdenticalTo(waitB))
			Expect(cm.Release(a)).To(BeIdenticalTo(waitA))
		})

		It("should not re-insert an unregistered backend", func() {
			b := newServer("b1", "", 1)
			register(b)
			cm.FindBackend(newConn("x"))
			Expect(cm.Unregister(b)).To(BeTrue())

			Expect(cm.Release(b)).To(BeNil())
			Expect(cm.AvailableCount()).To(BeZero())
			Expect(b.Workload()).To(BeZero())
		})

		It("should not hand an unregistered backend to a waiter", func() {
			b := newServer("b1", "", 1)
			register(b)
			cm.FindBackend(newConn("x"))
			w := newConn("x")
			result, _ := cm.FindBackend(w)
			Expect(result).To(Equal(loadbalancer.Queued))
			Expect(cm.Unregister(b)).To(BeTrue())

			Expect(cm.Release(b)).To(BeNil())
			Expect(b.Workload()).To(BeZero())
			Expect(cm.WaitingCount()).To(Equal(1))
		})

		It("should skip waiters that went away in ReleaseAndHandOff", func() {
			b := newServer("b1", "", 1)
			register(b)
			cm.FindBackend(newConn("x"))

			gone, alive := newConn("x"), newConn("x")
			cm.FindBackend(gone)
			cm.FindBackend(alive)
			gone.gone = true

			Expect(cm.ReleaseAndHandOff(b)).To(BeIdenticalTo(alive))
			Expect(alive.bound).To(ConsistOf(b))
			Expect(b.Workload()).To(Equal(1))
		})

		It("should free the backend when no waiter can take it", func() {
			b := newServer("b1", "", 1)
			register(b)
			cm.FindBackend(newConn("x"))

			gone := newConn("x")
			cm.FindBackend(gone)
			gone.gone = true

			Expect(cm.ReleaseAndHandOff(b)).To(BeNil())
			Expect(b.Workload()).To(BeZero())
			Expect(cm.AvailableCount()).To(Equal(1))
		})
	})

	Describe("Unregister", func() {
		It("should report whether the backend was present", func() {
			b := newServer("b1", "", 1)
			Expect(cm.Unregister(b)).To(BeFalse())
			register(b)
			Expect(cm.Unregister(b)).To(BeTrue())
			Expect(cm.BackendCount()).To(BeZero())
			Expect(cm.AvailableCount()).To(BeZero())
		})

		It("should not remove a different backend with the same name", func() {
			register(newServer("b1", "", 1))
			Expect(cm.Unregister(newServer("b1", "", 1))).To(BeFalse())
			Expect(cm.BackendCount()).To(Equal(1))
		})
	})

	Describe("ReleaseConnection", func() {
		It("should drop a queued connection", func() {
			b := newServer("b1", "", 1)
			register(b)
			cm.FindBackend(newConn("x"))
			w := newConn("x")
			cm.FindBackend(w)

			cm.ReleaseConnection(w)
			Expect(cm.WaitingCount()).To(BeZero())
			Expect(cm.Release(b)).To(BeNil())
		})
	})

	Describe("Backends", func() {
		It("should list registered backends by name", func() {
			register(newServer("zeta", "", 1))
			register(newServer("alpha", "", 1))
			names := []string{}
			for _, b := range cm.Backends() {
				names = append(names, b.Name())
			}
			Expect(names).To(Equal([]string{"alpha", "zeta"}))

			b, ok := cm.Lookup("zeta")
			Expect(ok).To(BeTrue())
			Expect(b.Name()).To(Equal("zeta"))
		})
	})

	Context("with concurrent callers", func() {
		It("should never exceed concurrency", func() {
			b := newServer("b1", "", 5)
			register(b)

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				assigned int
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if r, _ := cm.FindBackend(newConn("x")); r == loadbalancer.Assigned {
						mu.Lock()
						assigned++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(assigned).To(Equal(5))
			Expect(b.Workload()).To(Equal(5))
			Expect(cm.WaitingCount()).To(Equal(45))
		})
	})
})
