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

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/vesselwatch/vesselwatch/pkg/broadcast"
)

type fakeRow struct {
	id        int64
	createdAt time.Time
	err       error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.id
	*(dest[1].(*time.Time)) = r.createdAt
	return nil
}

type fakeDB struct {
	row  *fakeRow
	args []any
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	d.args = args
	return d.row
}

type fakeBroadcaster struct {
	channel  string
	payloads []any
	err      error
}

func (b *fakeBroadcaster) Publish(ctx context.Context, channel string, payload any) error {
	if b.err != nil {
		return b.err
	}
	b.channel = channel
	b.payloads = append(b.payloads, payload)
	return nil
}

func TestEmitPersistsAndBroadcasts(t *testing.T) {
	t.Parallel()
	createdAt := time.Date(2024, 5, 14, 10, 30, 0, 0, time.UTC)
	db := &fakeDB{row: &fakeRow{id: 42, createdAt: createdAt}}
	pub := &fakeBroadcaster{}
	sink := NewSink(nil, nil, db, pub, Options{Retention: 30 * time.Minute})

	n := &Notification{
		ClientID: "client-a",
		RuleID:   7,
		TypeID:   1,
		Title:    "Vessel Alert",
		Message:  "MERIDIAN TRADER has entered Singapore Strait",
		Payload:  map[string]any{"imo": "9700001"},
	}
	require.NoError(t, sink.Emit(context.Background(), n))

	// Store-assigned identity is reflected back on the notification.
	require.Equal(t, int64(42), n.ID)
	require.Equal(t, createdAt, n.CreatedAt)

	// Defaults applied before insert.
	require.Equal(t, StatusPending, n.Status)
	require.Equal(t, PriorityNormal, n.Priority)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), n.ExpiresAt, time.Minute)

	require.Len(t, db.args, 9)
	require.Equal(t, "client-a", db.args[0])
	require.Equal(t, PriorityNormal, db.args[6])
	require.Equal(t, StatusPending, db.args[7])

	require.Equal(t, broadcast.ChannelNotifications, pub.channel)
	require.Len(t, pub.payloads, 1)
	env, ok := pub.payloads[0].(Envelope)
	require.True(t, ok)
	require.Equal(t, "client-a", env.ClientID)
	require.Equal(t, n, env.Notification)
}

func TestEmitKeepsExplicitPriority(t *testing.T) {
	t.Parallel()
	db := &fakeDB{row: &fakeRow{id: 1, createdAt: time.Now()}}
	sink := NewSink(nil, nil, db, &fakeBroadcaster{}, Options{})

	n := &Notification{ClientID: "client-a", Priority: "high"}
	require.NoError(t, sink.Emit(context.Background(), n))
	require.Equal(t, "high", n.Priority)
}

func TestEmitInsertFailureDropsNotification(t *testing.T) {
	t.Parallel()
	db := &fakeDB{row: &fakeRow{err: errors.New("deadlock detected")}}
	pub := &fakeBroadcaster{}
	sink := NewSink(nil, nil, db, pub, Options{})

	err := sink.Emit(context.Background(), &Notification{ClientID: "client-a"})
	require.Error(t, err)
	require.Empty(t, pub.payloads)
}

func TestEmitBroadcastFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	db := &fakeDB{row: &fakeRow{id: 42, createdAt: time.Now()}}
	pub := &fakeBroadcaster{err: errors.New("connection reset")}
	sink := NewSink(nil, nil, db, pub, Options{})

	n := &Notification{ClientID: "client-a"}
	require.NoError(t, sink.Emit(context.Background(), n))
	require.Equal(t, int64(42), n.ID)
}

func TestEmitRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()
	db := &fakeDB{row: &fakeRow{id: 1, createdAt: time.Now()}}
	sink := NewSink(nil, nil, db, &fakeBroadcaster{}, Options{})

	n := &Notification{
		ClientID: "client-a",
		Payload:  map[string]any{"bad": make(chan int)},
	}
	require.Error(t, sink.Emit(context.Background(), n))
}
