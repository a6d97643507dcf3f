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

// Package notify persists triggered notifications and broadcasts them to the
// delivery layer. The relational store is the source of truth; the broadcast
// is best effort on top of it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vesselwatch/vesselwatch/pkg/broadcast"
)

// Notification lifecycle states.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRead      = "read"

	PriorityNormal = "normal"
)

// Notification is one emitted alert. ID and CreatedAt are assigned by the
// store on insert.
type Notification struct {
	ID        int64          `json:"id"`
	ClientID  string         `json:"clientId"`
	RuleID    int64          `json:"ruleId"`
	TypeID    int64          `json:"typeId"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload"`
	Priority  string         `json:"priority"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// Envelope wraps a notification for the broadcast channel so subscribers can
// route on clientId without decoding the inner document.
type Envelope struct {
	ClientID     string        `json:"clientId"`
	Notification *Notification `json:"notification"`
}

var (
	emittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_notifications_emitted_total",
		Help: "Number of notifications persisted to the relational store.",
	})
	insertErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_notification_insert_errors_total",
		Help: "Number of notifications dropped because the insert failed.",
	})
	publishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_notification_publish_errors_total",
		Help: "Number of persisted notifications that could not be broadcast.",
	})
)

const insertNotificationSQL = `
INSERT INTO notifications (client_id, rule_id, type_id, title, message, payload, priority, status, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at`

// db is the subset of pgxpool.Pool the sink needs.
type db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Broadcaster publishes onto a named broadcast channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Options holds sink tunables.
type Options struct {
	// Retention sets expiresAt relative to insert time. Defaults to 7 days.
	Retention time.Duration
}

// Sink appends notifications to the relational store and broadcasts them.
type Sink struct {
	logger log.Logger
	db     db
	pub    Broadcaster
	opts   Options
}

func NewSink(logger log.Logger, reg prometheus.Registerer, db db, pub Broadcaster, opts Options) *Sink {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(emittedTotal, insertErrorsTotal, publishErrorsTotal)
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Sink{logger: logger, db: db, pub: pub, opts: opts}
}

// Emit persists the notification and broadcasts it on the notifications
// channel. An insert failure drops the notification and is returned to the
// caller. A broadcast failure after a successful insert is only logged; the
// persisted row remains authoritative and the error is not returned.
func (s *Sink) Emit(ctx context.Context, n *Notification) error {
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	n.ExpiresAt = time.Now().Add(s.opts.Retention)

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		insertErrorsTotal.Inc()
		return fmt.Errorf("encode notification payload: %w", err)
	}
	err = s.db.QueryRow(ctx, insertNotificationSQL,
		n.ClientID, n.RuleID, n.TypeID, n.Title, n.Message, payload, n.Priority, n.Status, n.ExpiresAt,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		insertErrorsTotal.Inc()
		return fmt.Errorf("insert notification: %w", err)
	}
	emittedTotal.Inc()

	if err := s.pub.Publish(ctx, broadcast.ChannelNotifications, Envelope{ClientID: n.ClientID, Notification: n}); err != nil {
		publishErrorsTotal.Inc()
		level.Warn(s.logger).Log("msg", "notification persisted but not broadcast", "notification_id", n.ID, "err", err)
	}
	return nil
}
