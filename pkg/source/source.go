// Copyright 2024 The Vesselwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source consumes vessel records from the Kafka log through a
// consumer group. Records are processed inline in partition order and their
// offsets are committed only after all effects were written, which yields
// at-least-once delivery.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

var (
	consumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_source_records_consumed_total",
		Help: "Number of records consumed and committed.",
	})
	decodeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_source_decode_errors_total",
		Help: "Number of records skipped because the payload did not decode.",
	})
	sessionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_source_session_errors_total",
		Help: "Number of consumer group sessions that ended with an error.",
	})
	consumerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_source_consumer_errors_total",
		Help: "Number of asynchronous consumer errors reported by the client.",
	})
)

// Undecodable records are logged individually only for a small burst, after
// that the counter alone tracks them.
const decodeErrorLogLimit = 10

const (
	rejoinBackoffMin = 250 * time.Millisecond
	rejoinBackoffMax = 2 * time.Second
)

// Handler processes one decoded record. An error means the record's effects
// were not fully committed and it must be redelivered.
type Handler interface {
	Process(ctx context.Context, rec *vessel.Record) error
}

// Options configures the log consumer connection.
type Options struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string

	// FromBeginning starts a group without committed offsets at the earliest
	// retained offset instead of the newest.
	FromBeginning bool

	// SASLMechanism selects broker authentication: "", "plain" or
	// "oauthbearer".
	SASLMechanism string
	SASLUser      string
	SASLPassword  string
	// SASLToken is the bearer token injected by the environment when the
	// mechanism is oauthbearer.
	SASLToken string
	TLS       bool
}

func (o *Options) saramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = o.ClientID
	cfg.Version = sarama.V2_6_0_0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if o.FromBeginning {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	if o.TLS {
		cfg.Net.TLS.Enable = true
	}
	switch strings.ToLower(o.SASLMechanism) {
	case "":
	case "plain":
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = o.SASLUser
		cfg.Net.SASL.Password = o.SASLPassword
	case "oauthbearer":
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		cfg.Net.SASL.TokenProvider = &staticTokenProvider{token: o.SASLToken}
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", o.SASLMechanism)
	}
	return cfg, nil
}

// staticTokenProvider satisfies sarama's token provider interface with a
// fixed bearer token handed in through configuration.
type staticTokenProvider struct {
	token string
}

func (p *staticTokenProvider) Token() (*sarama.AccessToken, error) {
	return &sarama.AccessToken{Token: p.token}, nil
}

// Consumer reads the vessel topic through a consumer group and feeds each
// record to the handler.
type Consumer struct {
	logger  log.Logger
	opts    Options
	handler Handler
	group   sarama.ConsumerGroup

	decodeErrs atomic.Uint64
}

func NewConsumer(logger log.Logger, reg prometheus.Registerer, opts Options, handler Handler) (*Consumer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(consumedTotal, decodeErrorsTotal, sessionErrorsTotal, consumerErrorsTotal)
	}
	cfg, err := opts.saramaConfig()
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %q: %w", opts.GroupID, err)
	}
	return &Consumer{
		logger:  logger,
		opts:    opts,
		handler: handler,
		group:   group,
	}, nil
}

// Run consumes until ctx is canceled. Sessions end on rebalances and on
// processing errors; both rejoin, the latter with a bounded backoff so a
// failing backing store does not turn into a hot loop.
func (c *Consumer) Run(ctx context.Context) error {
	// The client reports transport errors asynchronously. The channel closes
	// when the group is closed.
	go func() {
		for err := range c.group.Errors() {
			consumerErrorsTotal.Inc()
			level.Warn(c.logger).Log("msg", "consumer error", "err", err)
		}
	}()

	backoff := rejoinBackoffMin
	for {
		err := c.group.Consume(ctx, []string{c.opts.Topic}, c)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			sessionErrorsTotal.Inc()
			level.Warn(c.logger).Log("msg", "consumer session ended with error", "err", err, "rejoin_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > rejoinBackoffMax {
				backoff = rejoinBackoffMax
			}
			continue
		}
		// Clean rebalance, rejoin immediately.
		backoff = rejoinBackoffMin
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sess sarama.ConsumerGroupSession) error {
	for topic, partitions := range sess.Claims() {
		level.Info(c.logger).Log("msg", "partitions assigned", "topic", topic, "partitions", fmt.Sprint(partitions))
	}
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes one partition of the claim. Records are handled
// strictly in order; the offset of a record is marked only after Process
// returned without error. A processing failure ends the session so the
// uncommitted record is redelivered.
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec, err := vessel.Decode(msg.Value)
			if err != nil {
				c.countDecodeError(msg, err)
				// Skip the offset, a malformed payload never becomes valid.
				sess.MarkMessage(msg, "")
				continue
			}
			if err := c.handler.Process(sess.Context(), rec); err != nil {
				return fmt.Errorf("process record %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
			consumedTotal.Inc()

		case <-sess.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) countDecodeError(msg *sarama.ConsumerMessage, err error) {
	decodeErrorsTotal.Inc()
	n := c.decodeErrs.Add(1)
	if n < decodeErrorLogLimit {
		level.Warn(c.logger).Log("msg", "skipping undecodable record", "partition", msg.Partition, "offset", msg.Offset, "err", err)
	} else if n == decodeErrorLogLimit {
		level.Warn(c.logger).Log("msg", "suppressing further decode error logs", "errors", n)
	}
}
