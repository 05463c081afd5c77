// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package submitter

import (
	"encoding/json"
	"fmt"

	"github.com/DCSO/nightguard/sampledb"

	"github.com/NeowayLabs/wabbit"
	"github.com/NeowayLabs/wabbit/amqptest"
	log "github.com/sirupsen/logrus"
)

// Binding describes where a Consumer picks up published verdicts.
type Binding struct {
	URI          string
	Exchange     string
	ExchangeType string
	Queue        string
	RoutingKey   string
	Tag          string
}

// Consumer receives verdicts published by an AMQPSubmitter from an amqptest
// server, so that tests can check what was reported.
type Consumer struct {
	conn    wabbit.Conn
	channel wabbit.Channel
	done    chan struct{}
}

// NewConsumer binds a durable queue to the exchange and calls callback for
// every delivery, acknowledging it afterwards.
func NewConsumer(b Binding, callback func(wabbit.Delivery)) (*Consumer, error) {
	conn, err := amqptest.Dial(b.URI)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.URI, err)
	}
	c := &Consumer{conn: conn, done: make(chan struct{})}
	deliveries, err := c.bind(b)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go func() {
		defer close(c.done)
		for d := range deliveries {
			log.Debugf("consumer %s: %d bytes", b.Tag, len(d.Body()))
			callback(d)
			d.Ack(false)
		}
	}()
	return c, nil
}

// NewVerdictConsumer is like NewConsumer but decodes each delivery into a
// FileVerdict. Undecodable bodies are passed on with the error.
func NewVerdictConsumer(b Binding, callback func(sampledb.FileVerdict, error)) (*Consumer, error) {
	return NewConsumer(b, func(d wabbit.Delivery) {
		var fv sampledb.FileVerdict
		if err := json.Unmarshal(d.Body(), &fv); err != nil {
			callback(fv, fmt.Errorf("decoding verdict: %w", err))
			return
		}
		callback(fv, nil)
	})
}

func (c *Consumer) bind(b Binding) (<-chan wabbit.Delivery, error) {
	var err error
	if c.channel, err = c.conn.Channel(); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	if err = c.channel.ExchangeDeclare(b.Exchange, b.ExchangeType, wabbit.Option{
		"durable":  true,
		"delete":   false,
		"internal": false,
		"noWait":   false,
	}); err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", b.Exchange, err)
	}
	q, err := c.channel.QueueDeclare(b.Queue, wabbit.Option{
		"durable":   true,
		"delete":    false,
		"exclusive": false,
		"noWait":    false,
	})
	if err != nil {
		return nil, fmt.Errorf("declaring queue %s: %w", b.Queue, err)
	}
	if err = c.channel.QueueBind(q.Name(), b.RoutingKey, b.Exchange, wabbit.Option{"noWait": false}); err != nil {
		return nil, fmt.Errorf("binding %s to %s: %w", q.Name(), b.Exchange, err)
	}
	return c.channel.Consume(q.Name(), b.Tag, wabbit.Option{
		"exclusive": false,
		"noLocal":   false,
		"noWait":    false,
	})
}

// Shutdown closes the channel and connection and waits until the last
// delivery has been handled.
func (c *Consumer) Shutdown() error {
	if err := c.channel.Close(); err != nil {
		return fmt.Errorf("closing channel: %w", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("closing connection: %w", err)
	}
	<-c.done
	return nil
}
