// Package warren is a resilience layer for AMQP 0-9-1 client applications.
//
// It hides the transient nature of AMQP connections, channels and consumers
// from application code: a caller declares what it wants to consume or
// publish through a Connector, a ChannelManager, a Listener/TieredListener
// or a PublishStream, and warren restores that intent across broker
// restarts, network partitions, channel errors and server-initiated
// consumer cancellations.
//
// warren never talks AMQP framing directly. It depends on the Connection
// and Channel interfaces declared in amqp.go, whose default implementation
// wraps github.com/rabbitmq/amqp091-go.
package warren
