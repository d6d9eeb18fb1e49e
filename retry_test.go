package warren_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arvidson/warren"
)

var _ = Describe("RetryPolicy", func() {
	It("ConstantRetryPolicy always returns the same delay", func() {
		p := warren.ConstantRetryPolicy(3 * time.Second)
		Expect(p.Delay(0)).To(Equal(3 * time.Second))
		Expect(p.Delay(10)).To(Equal(3 * time.Second))
	})

	It("ExponentialRetryPolicy returns a positive delay bounded near max", func() {
		p := warren.ExponentialRetryPolicy(100*time.Millisecond, time.Second)
		d0 := p.Delay(0)
		d5 := p.Delay(5)
		Expect(d0).To(BeNumerically(">", 0))
		Expect(d5).To(BeNumerically("<=", 2*time.Second))
	})

	It("a nil RetryPolicy never blocks a caller", func() {
		var p *warren.RetryPolicy
		Expect(p.Delay(0)).To(Equal(time.Duration(0)))
	})
})
