package container

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Container state machine", func() {
	var c *Container

	BeforeEach(func() {
		c = &Container{ID: "abc123", Name: "thingosdci-owner-project-deadbeef"}
	})

	It("starts Running with no exit code", func() {
		Expect(c.State()).To(Equal(StateRunning))
		_, ok := c.ExitCode()
		Expect(ok).To(BeFalse())
	})

	It("fires observers exactly once on exit, in registration order", func() {
		var order []int
		c.AddStateChangeObserver(func(State) { order = append(order, 1) })
		c.AddStateChangeObserver(func(State) { order = append(order, 2) })

		first := c.markExited(0)
		Expect(first).To(HaveLen(2))

		second := c.markExited(1)
		Expect(second).To(BeEmpty(), "re-marking an already-exited container must not re-notify")

		Expect(c.State()).To(Equal(StateExited))
		code, ok := c.ExitCode()
		Expect(ok).To(BeTrue())
		Expect(code).To(Equal(0), "first exit code wins, a second markExited must not overwrite it")

		for _, f := range first {
			f(StateExited)
		}
		Expect(order).To(Equal([]int{1, 2}))
	})

	It("never reverses Removed back to Running", func() {
		c.markExited(1)
		c.markRemoved()
		Expect(c.State()).To(Equal(StateRemoved))
	})

	It("notifies an observer registered after the container already exited", func() {
		c.markExited(3)

		done := make(chan State, 1)
		c.AddStateChangeObserver(func(s State) { done <- s })

		Eventually(done).Should(Receive(Equal(StateExited)))
	})
})
