package warren_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/arvidson/warren"
	"github.com/arvidson/warren/internal/amqptest"
)

// testDialer is a warren.Dialer backed by an amqptest.Broker, with the
// ability to fail a given URI's next N dial attempts on demand so tests can
// drive the Connector's failover and retry paths deterministically.
type testDialer struct {
	broker *amqptest.Broker

	mu       sync.Mutex
	fail     map[string]int
	attempts []string
}

func newTestDialer(broker *amqptest.Broker) *testDialer {
	return &testDialer{broker: broker, fail: map[string]int{}}
}

func (d *testDialer) Dial(ctx context.Context, uri string, opts warren.DialOptions) (warren.Connection, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, uri)
	remaining := d.fail[uri]
	if remaining > 0 {
		d.fail[uri] = remaining - 1
	}
	d.mu.Unlock()

	if remaining > 0 {
		return nil, errors.New("amqptest: simulated dial failure")
	}
	return d.broker.Dial(), nil
}

func (d *testDialer) failNextDialFor(uri string) {
	d.mu.Lock()
	d.fail[uri]++
	d.mu.Unlock()
}

func (d *testDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *testDialer) lastAttempt() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.attempts) == 0 {
		return ""
	}
	return d.attempts[len(d.attempts)-1]
}

var _ = Describe("Connector", func() {
	It("rejects an all-empty URI list", func() {
		_, err := warren.NewConnector([]string{"", ""}, warren.ConnectorOptions{})
		Expect(err).To(MatchError(warren.ErrEmptyURIList))
	})

	It("connects and replays the live connection to a late OnConnect subscriber", func() {
		broker := amqptest.NewBroker()
		dialer := newTestDialer(broker)

		c, err := warren.NewConnector([]string{"amqp://node-a"}, warren.ConnectorOptions{Dialer: dialer})
		Expect(err).NotTo(HaveOccurred())

		var firstCount int32
		c.OnConnect(func(conn warren.Connection) { atomic.AddInt32(&firstCount, 1) })

		c.Start()
		Eventually(func() int32 { return atomic.LoadInt32(&firstCount) }, time.Second).Should(Equal(int32(1)))

		var replayed int32
		c.OnConnect(func(conn warren.Connection) { atomic.AddInt32(&replayed, 1) })
		Expect(replayed).To(Equal(int32(1)))

		c.Stop()
	})

	It("fails over to the next URI in round-robin order after a dial failure", func() {
		broker := amqptest.NewBroker()
		dialer := newTestDialer(broker)
		dialer.failNextDialFor("amqp://node-a")

		c, err := warren.NewConnector(
			[]string{"amqp://node-a", "amqp://node-b"},
			warren.ConnectorOptions{Dialer: dialer, Connect: warren.ConstantRetryPolicy(10 * time.Millisecond)},
		)
		Expect(err).NotTo(HaveOccurred())

		connected := make(chan warren.Connection, 1)
		c.OnConnect(func(conn warren.Connection) { connected <- conn })

		c.Start()

		Eventually(connected, time.Second).Should(Receive())
		Expect(dialer.lastAttempt()).To(Equal("amqp://node-b"))

		c.Stop()
	})

	It("reconnects automatically after the live connection drops", func() {
		broker := amqptest.NewBroker()
		dialer := newTestDialer(broker)

		c, err := warren.NewConnector(
			[]string{"amqp://node-a"},
			warren.ConnectorOptions{Dialer: dialer, Drop: warren.ConstantRetryPolicy(10 * time.Millisecond)},
		)
		Expect(err).NotTo(HaveOccurred())

		connects := make(chan warren.Connection, 4)
		disconnects := make(chan warren.Connection, 4)
		c.OnConnect(func(conn warren.Connection) { connects <- conn })
		c.OnDisconnect(func(conn warren.Connection) { disconnects <- conn })

		c.Start()

		var first warren.Connection
		Eventually(connects, time.Second).Should(Receive(&first))

		first.(*amqptest.Connection).Kill()

		Eventually(disconnects, time.Second).Should(Receive())
		Eventually(connects, time.Second).Should(Receive())

		c.Stop()
	})

	It("stops attempting to connect once Stop is called", func() {
		broker := amqptest.NewBroker()
		dialer := newTestDialer(broker)
		dialer.failNextDialFor("amqp://node-a")

		c, err := warren.NewConnector(
			[]string{"amqp://node-a"},
			warren.ConnectorOptions{Dialer: dialer, Connect: warren.ConstantRetryPolicy(20 * time.Millisecond)},
		)
		Expect(err).NotTo(HaveOccurred())

		c.Start()
		Eventually(dialer.attemptCount, time.Second).Should(BeNumerically(">=", 1))

		c.Stop()
		stable := dialer.attemptCount()
		Consistently(dialer.attemptCount, 150*time.Millisecond).Should(Equal(stable))
	})
})
