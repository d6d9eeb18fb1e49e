package warren_test

import (
	"context"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arvidson/warren"
	"github.com/arvidson/warren/internal/amqptest"
)

var _ = Describe("TieredListener", func() {
	It("routes a failing message through every tier before requeueing it terminally", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()

		tiers := []warren.Tier{
			{Name: "fast", Delay: 5 * time.Millisecond},
			{Name: "slow", Delay: 5 * time.Millisecond},
		}

		var attempts int32
		terminal := make(chan amqp091.Delivery, 1)

		tl := warren.NewTieredListener(conn, "orders", tiers, warren.TieredListenerOptions{
			Exchanges: []warren.ExchangeDefinition{{Name: "orders-exchange", Type: warren.ExchangeTopic}},
			Binds:     []warren.BindingDefinition{{Exchange: "orders-exchange", Pattern: "orders.#"}},
			MessageHandler: func(ctx context.Context, d amqp091.Delivery) error {
				n := atomic.AddInt32(&attempts, 1)
				if n <= 2 {
					return errTransient
				}
				terminal <- d
				return nil
			},
		})

		Expect(tl.Listen(context.Background()).Wait(context.Background())).To(Succeed())

		pub, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())
		_, err = pub.PublishDeferred(context.Background(), "orders-exchange", "orders.created", warren.PublishOptions{}, []byte("payload"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(terminal, 2*time.Second).Should(Receive())
		Expect(atomic.LoadInt32(&attempts)).To(BeNumerically(">=", 3))
	})

	It("dead-letters back to the first tier when Circular is set", func() {
		broker := amqptest.NewBroker()
		conn := broker.Dial()

		tiers := []warren.Tier{
			{Name: "only", Delay: 5 * time.Millisecond},
		}

		var attempts int32
		done := make(chan struct{})

		tl := warren.NewTieredListener(conn, "retry-loop", tiers, warren.TieredListenerOptions{
			Routing: warren.TieredRouting{Circular: true},
			MessageHandler: func(ctx context.Context, d amqp091.Delivery) error {
				n := atomic.AddInt32(&attempts, 1)
				if n >= 3 {
					close(done)
					return nil
				}
				return errTransient
			},
		})

		Expect(tl.Listen(context.Background()).Wait(context.Background())).To(Succeed())

		pub, err := conn.CreateChannel()
		Expect(err).NotTo(HaveOccurred())
		_, err = pub.PublishDeferred(context.Background(), "", "retry-loop-only", warren.PublishOptions{}, []byte("payload"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(done, 2*time.Second).Should(BeClosed())
	})
})

var errTransient = &warren.Error{Kind: warren.KindHandlerFailure}
