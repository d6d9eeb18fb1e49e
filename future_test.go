package warren_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arvidson/warren"
	"github.com/arvidson/warren/internal/amqptest"
)

var _ = Describe("Future", func() {
	It("Wait returns an error when a declaration failure races a context deadline", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()
		ch, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())

		consumer := warren.NewConsumer(ch, "never-declared-exchange-queue", warren.ConsumerOptions{
			Binds: []warren.BindingDefinition{{Exchange: "missing", Pattern: "x"}},
		})

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()

		f := consumer.Consume(context.Background())
		err = f.Wait(ctx)
		Expect(err).To(HaveOccurred())
	})

	It("StopConsuming before any Consume resolves immediately", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()
		ch, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())

		consumer := warren.NewConsumer(ch, "orders", warren.ConsumerOptions{})
		Expect(consumer.StopConsuming(context.Background()).Wait(context.Background())).To(Succeed())
	})
})
