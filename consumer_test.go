package warren_test

import (
	"context"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arvidson/warren"
	"github.com/arvidson/warren/internal/amqptest"
)

var _ = Describe("Consumer", func() {
	It("declares its queue and exchange, binds, and delivers published messages", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()
		ch, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())

		consumer := warren.NewConsumer(ch, "orders", warren.ConsumerOptions{
			Exchanges: []warren.ExchangeDefinition{{Name: "orders-exchange", Type: warren.ExchangeTopic}},
			Binds:     []warren.BindingDefinition{{Exchange: "orders-exchange", Pattern: "orders.#"}},
			Consume:   warren.ConsumeOptions{Prefetch: 4},
		})

		received := make(chan amqp091.Delivery, 1)
		consumer.OnMessage(func(d amqp091.Delivery, ops warren.Ops) {
			received <- d
			Expect(ops.Ack()).To(Succeed())
		})

		Expect(consumer.Consume(context.Background()).Wait(context.Background())).To(Succeed())

		pub, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())
		_, err = pub.PublishDeferred(context.Background(), "orders-exchange", "orders.created", warren.PublishOptions{}, []byte("hello"))
		Expect(err).NotTo(HaveOccurred())

		var d amqp091.Delivery
		Eventually(received, time.Second).Should(Receive(&d))
		Expect(string(d.Body)).To(Equal("hello"))
	})

	It("fails declaration when the queue cannot be bound to an undeclared exchange", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()
		ch, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())

		consumer := warren.NewConsumer(ch, "orders", warren.ConsumerOptions{
			Binds: []warren.BindingDefinition{{Exchange: "never-declared", Pattern: "x"}},
		})

		err = consumer.Consume(context.Background()).Wait(context.Background())
		Expect(err).To(HaveOccurred())

		var werr *warren.Error
		Expect(err).To(BeAssignableToTypeOf(werr))
	})

	It("emits a server-initiated cancel when the broker drops the consumer", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()
		ch, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())

		consumer := warren.NewConsumer(ch, "orders", warren.ConsumerOptions{})
		consumer.OnMessage(func(d amqp091.Delivery, ops warren.Ops) {})

		cancels := make(chan warren.CancelInfo, 1)
		consumer.OnCancel(func(info warren.CancelInfo) { cancels <- info })

		Expect(consumer.Consume(context.Background()).Wait(context.Background())).To(Succeed())

		ch.(*amqptest.Channel).Kill()

		var info warren.CancelInfo
		Eventually(cancels, time.Second).Should(Receive(&info))
		Expect(info.Initiator).To(Equal("server"))
	})

	It("does not emit cancel when StopConsuming is called deliberately", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()
		ch, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())

		consumer := warren.NewConsumer(ch, "orders", warren.ConsumerOptions{})
		consumer.OnMessage(func(d amqp091.Delivery, ops warren.Ops) {})

		cancels := make(chan warren.CancelInfo, 1)
		consumer.OnCancel(func(info warren.CancelInfo) { cancels <- info })

		Expect(consumer.Consume(context.Background()).Wait(context.Background())).To(Succeed())
		Expect(consumer.StopConsuming(context.Background()).Wait(context.Background())).To(Succeed())

		Consistently(cancels, 150*time.Millisecond).ShouldNot(Receive())
	})
})
