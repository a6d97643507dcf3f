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

// Package processor orchestrates per-record rule evaluation: it updates live
// state, runs every applicable rule through the evaluator kernel, persists
// transition state and hands triggered notifications to the sink.
//
// Process is invoked once per record in partition order. Because the stream
// is keyed by IMO, that order serialises all state for one vessel without
// further locking.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vesselwatch/vesselwatch/pkg/broadcast"
	"github.com/vesselwatch/vesselwatch/pkg/evaluator"
	"github.com/vesselwatch/vesselwatch/pkg/notify"
	"github.com/vesselwatch/vesselwatch/pkg/rule"
	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

var (
	recordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_processor_records_total",
		Help: "Number of records fully processed.",
	})
	ruleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_processor_rule_errors_total",
		Help: "Number of per-rule evaluation failures. Failing rules are skipped for the record.",
	})
	triggeredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vesselwatch_processor_rules_triggered_total",
		Help: "Number of rule evaluations that triggered a notification.",
	}, []string{"evaluator"})
	discoveryValues = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vesselwatch_discovery_values",
		Help: "Cardinality of each discovery set, refreshed with the stats publish.",
	}, []string{"set"})
)

// RuleSource provides the current active rule snapshot.
type RuleSource interface {
	Rules(ctx context.Context) ([]rule.Snapshot, error)
}

// VesselState is the per-vessel live state store.
type VesselState interface {
	TrackedFields(ctx context.Context, imo int64) (map[string]string, error)
	SetTrackedFields(ctx context.Context, imo int64, fields map[string]string) error
	Destination(ctx context.Context, imo int64) (string, error)
	SetDestination(ctx context.Context, imo int64, destination string) error
	SetGeofenceFlag(ctx context.Context, imo, geofenceID int64, inside bool) error
	SetPosition(ctx context.Context, imo int64, raw []byte) error
	AddDiscovered(ctx context.Context, entries map[string][]string) error
	DiscoveryStats(ctx context.Context) (map[string]int64, error)
}

// RuleStateStore persists per (rule, entity) evaluator state across records
// and restarts.
type RuleStateStore interface {
	RuleState(ctx context.Context, ruleID, entityID int64) (map[string]any, error)
	UpsertRuleState(ctx context.Context, ruleID, entityID int64, state map[string]any) error
}

// NotificationSink persists and broadcasts a triggered notification.
type NotificationSink interface {
	Emit(ctx context.Context, n *notify.Notification) error
}

// Broadcaster publishes live updates onto a broadcast channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Config wires the processor's collaborators and tunables.
type Config struct {
	Rules     RuleSource
	State     VesselState
	RuleState RuleStateStore
	Sink      NotificationSink
	Broadcast Broadcaster

	// StatsInterval is the period of discovery stats publishes and the
	// summary log line. Defaults to one minute.
	StatsInterval time.Duration
}

// Processor evaluates each consumed record against the rule snapshot.
type Processor struct {
	logger log.Logger
	cfg    Config

	processed atomic.Uint64
	errors    atomic.Uint64

	// Rules that failed evaluation already logged once. Guarded by errMtx.
	errMtx   sync.Mutex
	errRules map[int64]struct{}
}

func New(logger log.Logger, reg prometheus.Registerer, cfg Config) *Processor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(recordsTotal, ruleErrorsTotal, triggeredTotal, discoveryValues)
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	return &Processor{
		logger:   logger,
		cfg:      cfg,
		errRules: map[int64]struct{}{},
	}
}

// Process runs the full pipeline for one record. A returned error means the
// record's state writes did not all succeed and its offset must not be
// committed; the caller is expected to redeliver. Per-rule failures are
// contained and never fail the record.
func (p *Processor) Process(ctx context.Context, rec *vessel.Record) error {
	now := time.Now()

	if rec.HasPosition() {
		if err := p.cfg.State.SetPosition(ctx, rec.IMO, rec.Raw); err != nil {
			return fmt.Errorf("update position snapshot: %w", err)
		}
		update := broadcast.VesselUpdate{Vessel: rec.Raw, Timestamp: now}
		if err := p.cfg.Broadcast.Publish(ctx, broadcast.ChannelVesselUpdates, update); err != nil {
			// The channel is at-most-once; a missed live update is not worth
			// a redelivery.
			level.Warn(p.logger).Log("msg", "vessel update not broadcast", "imo", rec.IMO, "err", err)
		}
	}

	if err := p.recordDiscovery(ctx, rec); err != nil {
		return fmt.Errorf("record discovery values: %w", err)
	}

	rules, err := p.cfg.Rules.Rules(ctx)
	if err != nil {
		// Without any snapshot we cannot know which rules the record should
		// have hit, so it must be redelivered rather than skipped.
		return fmt.Errorf("acquire rule snapshot: %w", err)
	}

	// Previous tracked fields serve every dynamic rule for this record, so
	// they are loaded once before the snapshot is written back in step 7.
	tracked, err := p.cfg.State.TrackedFields(ctx, rec.IMO)
	if err != nil {
		return fmt.Errorf("load tracked fields: %w", err)
	}

	for i := range rules {
		if err := p.evalRule(ctx, &rules[i], rec, tracked, now); err != nil {
			p.ruleError(rules[i].Rule.ID, err)
		}
	}

	// The destination slot and the tracked-fields snapshot are written after
	// evaluation so change detectors observed the prior values.
	if rec.AISDestination != "" {
		if err := p.cfg.State.SetDestination(ctx, rec.IMO, rec.AISDestination); err != nil {
			return fmt.Errorf("update destination slot: %w", err)
		}
	}
	if fields := rec.TrackedFields(); len(fields) > 0 {
		if err := p.cfg.State.SetTrackedFields(ctx, rec.IMO, fields); err != nil {
			return fmt.Errorf("update tracked fields: %w", err)
		}
	}

	recordsTotal.Inc()
	p.processed.Add(1)
	return nil
}

func (p *Processor) evalRule(ctx context.Context, snap *rule.Snapshot, rec *vessel.Record, tracked map[string]string, now time.Time) error {
	if !snap.Rule.Filters.Match(rec) {
		return nil
	}

	// Rules whose geofence was deactivated stay configured but must not
	// evaluate against it anymore.
	if snap.Type.Evaluator == rule.EvalGeofence && snap.Geofence != nil && !snap.Geofence.IsActive {
		return nil
	}

	var (
		res evaluator.Result
		err error
	)
	switch snap.Type.Evaluator {
	case rule.EvalGeofence:
		var prev *bool
		if snap.Type.StateTracking.Enabled {
			state, err := p.cfg.RuleState.RuleState(ctx, snap.Rule.ID, rec.IMO)
			if err != nil {
				return fmt.Errorf("load rule state: %w", err)
			}
			if v, ok := state["isInside"].(bool); ok {
				prev = &v
			}
		}
		res, err = evaluator.Geofence(rec, snap.Geofence, snap.Rule.Condition, prev)

	case rule.EvalCompare:
		res, err = evaluator.Compare(rec, snap.Rule.Condition)

	case rule.EvalChange:
		var prev string
		if snap.Type.StateTracking.Enabled {
			state, err := p.cfg.RuleState.RuleState(ctx, snap.Rule.ID, rec.IMO)
			if err != nil {
				return fmt.Errorf("load rule state: %w", err)
			}
			if v, ok := state["value"].(string); ok {
				prev = v
			}
			if state == nil {
				prev, err = p.destinationFallback(ctx, snap, rec)
				if err != nil {
					return err
				}
			}
		}
		res, err = evaluator.Change(rec, snap.Rule.Condition, prev)

	case rule.EvalDynamic:
		res, err = evaluator.Dynamic(rec, snap.Rule.Condition, tracked)

	default:
		return fmt.Errorf("unknown evaluator %q", snap.Type.Evaluator)
	}
	if err != nil {
		return err
	}

	if snap.Type.StateTracking.Enabled && res.State != nil {
		if err := p.cfg.RuleState.UpsertRuleState(ctx, snap.Rule.ID, rec.IMO, res.State); err != nil {
			return fmt.Errorf("persist rule state: %w", err)
		}
		if snap.Type.Evaluator == rule.EvalGeofence && snap.Geofence != nil {
			if inside, ok := res.State["isInside"].(bool); ok {
				if err := p.cfg.State.SetGeofenceFlag(ctx, rec.IMO, snap.Geofence.ID, inside); err != nil {
					return fmt.Errorf("mirror geofence flag: %w", err)
				}
			}
		}
	}

	if !res.Triggered {
		return nil
	}

	payload := evaluator.RenderContext(rec.IdentityContext(now), res.Context)
	tpl := snap.Template()
	n := &notify.Notification{
		ClientID: snap.Rule.ClientID,
		RuleID:   snap.Rule.ID,
		TypeID:   snap.Type.ID,
		Title:    evaluator.Render(tpl.Title, payload),
		Message:  evaluator.Render(tpl.Message, payload),
		Payload:  payload,
		Priority: snap.Rule.Settings.Priority,
	}
	if err := p.cfg.Sink.Emit(ctx, n); err != nil {
		return fmt.Errorf("emit notification: %w", err)
	}
	triggeredTotal.WithLabelValues(string(snap.Type.Evaluator)).Inc()
	return nil
}

// destinationFallback resolves the previous value for a change rule that has
// never been evaluated. Rules on AISDestination read the per-vessel
// destination slot so a freshly created rule observes changes immediately
// instead of staying silent for one record.
func (p *Processor) destinationFallback(ctx context.Context, snap *rule.Snapshot, rec *vessel.Record) (string, error) {
	var cond rule.ChangeCondition
	if err := json.Unmarshal(snap.Rule.Condition, &cond); err != nil {
		// The evaluator reports the decode error with more context.
		return "", nil
	}
	if !strings.EqualFold(cond.Field, vessel.FieldAISDestination) {
		return "", nil
	}
	prev, err := p.cfg.State.Destination(ctx, rec.IMO)
	if err != nil {
		return "", fmt.Errorf("load destination slot: %w", err)
	}
	return prev, nil
}

// ruleError counts a per-rule failure and logs it the first time the rule
// fails. Later failures of the same rule stay silent to keep a broken
// condition from flooding the log on every record.
func (p *Processor) ruleError(ruleID int64, err error) {
	ruleErrorsTotal.Inc()
	p.errors.Add(1)

	p.errMtx.Lock()
	_, seen := p.errRules[ruleID]
	if !seen {
		p.errRules[ruleID] = struct{}{}
	}
	p.errMtx.Unlock()

	if !seen {
		level.Warn(p.logger).Log("msg", "rule evaluation failed, suppressing repeats", "rule_id", ruleID, "err", err)
	}
}
