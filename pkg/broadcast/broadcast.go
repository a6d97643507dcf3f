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

// Package broadcast publishes JSON payloads onto Redis pub/sub channels
// consumed by the delivery layer. Publishes are at-most-once; subscribers
// that are disconnected simply miss the message.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Channel names shared with the delivery layer.
const (
	ChannelNotifications  = "notifications"
	ChannelVesselUpdates  = "vessel-updates"
	ChannelDiscoveryStats = "discovery-stats"
)

// VesselUpdate carries the raw record of a vessel with a valid position.
type VesselUpdate struct {
	Vessel    json.RawMessage `json:"vessel"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatsUpdate carries discovery set cardinalities.
type StatsUpdate struct {
	Stats     map[string]int64 `json:"stats"`
	Timestamp time.Time        `json:"timestamp"`
}

var publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "vesselwatch_broadcast_published_total",
	Help: "Number of messages published per broadcast channel.",
}, []string{"channel"})

// Publisher emits payloads onto broadcast channels.
type Publisher struct {
	client redis.UniversalClient
}

func NewPublisher(reg prometheus.Registerer, client redis.UniversalClient) *Publisher {
	if reg != nil {
		reg.MustRegister(publishedTotal)
	}
	return &Publisher{client: client}
}

// Publish JSON-encodes payload and emits it on the channel.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	if err := p.client.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	publishedTotal.WithLabelValues(channel).Inc()
	return nil
}
