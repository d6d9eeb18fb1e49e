package warren_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arvidson/warren"
)

var _ = Describe("Error", func() {
	It("formats as kind: wrapped message", func() {
		err := &warren.Error{Kind: warren.KindPublishFailure, Err: errors.New("broker nacked")}
		Expect(err.Error()).To(Equal("publish_failure: broker nacked"))
	})

	It("Unwrap exposes the underlying error for errors.Is/As", func() {
		wrapped := errors.New("boom")
		err := &warren.Error{Kind: warren.KindInvalidState, Err: wrapped}
		Expect(errors.Is(err, wrapped)).To(BeTrue())
	})
})
