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

// Package catalog loads notification rules, notification types and geofences
// from PostgreSQL and serves them to the processor as cached snapshots.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vesselwatch/vesselwatch/pkg/geofence"
	"github.com/vesselwatch/vesselwatch/pkg/rule"
)

var (
	refreshesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_catalog_refreshes_total",
		Help: "Number of rule snapshot refreshes from the catalog database.",
	})
	refreshErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vesselwatch_catalog_refresh_errors_total",
		Help: "Number of failed rule snapshot refreshes.",
	})
	activeRules = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vesselwatch_catalog_active_rules",
		Help: "Number of active rules in the current snapshot.",
	})
)

// Connect opens a connection pool against the catalog database and verifies
// it with a ping. The pool is shared by the catalog store and the
// notification sink, so the caller owns its lifecycle.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const activeRulesSQL = `
SELECT
    r.id, r.client_id, r.type_id, r.name, r.condition, r.filters, r.settings, r.geofence_id,
    t.id, t.name, t.data_source, t.evaluator, t.default_template, t.state_tracking,
    g.id, g.client_id, g.name, g.geofence_type, g.coordinates, g.center_lat, g.center_lng, g.radius_km, g.is_active
FROM client_rules r
JOIN notification_types t ON t.id = r.type_id
LEFT JOIN geofences g ON g.id = r.geofence_id
WHERE r.is_active AND t.data_source = $1
ORDER BY r.id`

const ruleStateSQL = `
SELECT state FROM rule_state WHERE rule_id = $1 AND entity_id = $2`

const upsertRuleStateSQL = `
INSERT INTO rule_state (rule_id, entity_id, state, last_evaluated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (rule_id, entity_id)
DO UPDATE SET state = EXCLUDED.state, last_evaluated_at = now()`

// Store provides direct access to catalog tables.
type Store struct {
	logger log.Logger
	pool   *pgxpool.Pool
}

func NewStore(logger log.Logger, pool *pgxpool.Pool) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{logger: logger, pool: pool}
}

// ActiveRules returns all active rules for the vessel state data source,
// joined with their notification type and geofence. Rows with undecodable
// JSON configuration are skipped with a warning rather than failing the
// whole snapshot.
func (s *Store) ActiveRules(ctx context.Context) ([]rule.Snapshot, error) {
	rows, err := s.pool.Query(ctx, activeRulesSQL, rule.DataSourceVesselState)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var snaps []rule.Snapshot
	for rows.Next() {
		snap, err := scanRuleRow(rows)
		if err != nil {
			var rerr *rowError
			if errors.As(err, &rerr) {
				level.Warn(s.logger).Log("msg", "skipping undecodable rule", "rule_id", rerr.ruleID, "err", rerr.err)
				continue
			}
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active rules: %w", err)
	}
	return snaps, nil
}

// rowError marks per-row decoding failures that should not abort the scan.
type rowError struct {
	ruleID int64
	err    error
}

func (e *rowError) Error() string {
	return fmt.Sprintf("decode rule %d: %s", e.ruleID, e.err)
}

func scanRuleRow(rows pgx.Rows) (rule.Snapshot, error) {
	var (
		r          rule.Rule
		t          rule.NotificationType
		condition  []byte
		filters    []byte
		settings   []byte
		tplDoc     []byte
		trackDoc   []byte
		evaluator  string
		gID        *int64
		gClientID  *string
		gName      *string
		gType      *string
		gCoords    []byte
		gCenterLat *float64
		gCenterLng *float64
		gRadiusKM  *float64
		gIsActive  *bool
	)
	err := rows.Scan(
		&r.ID, &r.ClientID, &r.TypeID, &r.Name, &condition, &filters, &settings, &r.GeofenceID,
		&t.ID, &t.Name, &t.DataSource, &evaluator, &tplDoc, &trackDoc,
		&gID, &gClientID, &gName, &gType, &gCoords, &gCenterLat, &gCenterLng, &gRadiusKM, &gIsActive,
	)
	if err != nil {
		return rule.Snapshot{}, fmt.Errorf("scan rule row: %w", err)
	}
	r.IsActive = true
	r.Condition = json.RawMessage(condition)
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &r.Filters); err != nil {
			return rule.Snapshot{}, &rowError{ruleID: r.ID, err: fmt.Errorf("filters: %w", err)}
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &r.Settings); err != nil {
			return rule.Snapshot{}, &rowError{ruleID: r.ID, err: fmt.Errorf("settings: %w", err)}
		}
	}
	t.Evaluator = rule.EvaluatorKind(evaluator)
	if len(tplDoc) > 0 {
		if err := json.Unmarshal(tplDoc, &t.Template); err != nil {
			return rule.Snapshot{}, &rowError{ruleID: r.ID, err: fmt.Errorf("default template: %w", err)}
		}
	}
	if len(trackDoc) > 0 {
		if err := json.Unmarshal(trackDoc, &t.StateTracking); err != nil {
			return rule.Snapshot{}, &rowError{ruleID: r.ID, err: fmt.Errorf("state tracking: %w", err)}
		}
	}

	snap := rule.Snapshot{Rule: r, Type: t}
	if gID != nil {
		g := &geofence.Geofence{
			ID:       *gID,
			ClientID: deref(gClientID),
			Name:     deref(gName),
			Type:     geofence.Type(deref(gType)),
		}
		if gCenterLat != nil {
			g.CenterLat = *gCenterLat
		}
		if gCenterLng != nil {
			g.CenterLng = *gCenterLng
		}
		if gRadiusKM != nil {
			g.RadiusKM = *gRadiusKM
		}
		if gIsActive != nil {
			g.IsActive = *gIsActive
		}
		if len(gCoords) > 0 {
			if err := json.Unmarshal(gCoords, &g.Coordinates); err != nil {
				return rule.Snapshot{}, &rowError{ruleID: r.ID, err: fmt.Errorf("geofence coordinates: %w", err)}
			}
		}
		snap.Geofence = g
	}
	return snap, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// RuleState returns the persisted evaluator state for a (rule, entity) pair.
// A nil map with a nil error means the pair has never been evaluated.
func (s *Store) RuleState(ctx context.Context, ruleID, entityID int64) (map[string]any, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, ruleStateSQL, ruleID, entityID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rule state: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, fmt.Errorf("decode rule state: %w", err)
	}
	return state, nil
}

// UpsertRuleState replaces the persisted evaluator state for a
// (rule, entity) pair.
func (s *Store) UpsertRuleState(ctx context.Context, ruleID, entityID int64, state map[string]any) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode rule state: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertRuleStateSQL, ruleID, entityID, doc); err != nil {
		return fmt.Errorf("upsert rule state: %w", err)
	}
	return nil
}

// RuleLister is the subset of Store the snapshot cache depends on.
type RuleLister interface {
	ActiveRules(ctx context.Context) ([]rule.Snapshot, error)
}

// Options holds snapshot cache tunables.
type Options struct {
	// TTL is how long a snapshot is served before the next read triggers a
	// refresh. Zero or negative disables caching.
	TTL time.Duration
}

type snapshot struct {
	rules    []rule.Snapshot
	loadedAt time.Time
}

// Catalog serves rule snapshots with a bounded staleness. Refreshes happen
// at most once at a time; concurrent readers keep serving the previous
// snapshot, and a failed refresh falls back to it as well.
type Catalog struct {
	logger log.Logger
	store  RuleLister
	opts   Options

	mtx        sync.RWMutex
	current    *snapshot
	refreshMtx sync.Mutex
}

func New(logger log.Logger, reg prometheus.Registerer, store RuleLister, opts Options) *Catalog {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(refreshesTotal, refreshErrorsTotal, activeRules)
	}
	return &Catalog{
		logger: logger,
		store:  store,
		opts:   opts,
	}
}

// Rules returns the current rule snapshot, refreshing it first if the cached
// one expired. When a refresh fails but a previous snapshot exists, the stale
// snapshot is returned so one database hiccup does not stall the stream.
func (c *Catalog) Rules(ctx context.Context) ([]rule.Snapshot, error) {
	if snap := c.get(); snap != nil && c.fresh(snap) {
		return snap.rules, nil
	}
	return c.refresh(ctx)
}

// Invalidate expires the cached snapshot so the next read reloads it.
func (c *Catalog) Invalidate() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.current != nil {
		// Swap in a copy with a zero load time. The old snapshot may still
		// be read concurrently, so it must not be mutated in place.
		c.current = &snapshot{rules: c.current.rules}
	}
}

// Run keeps the snapshot warm in the background until ctx is canceled so
// record processing rarely pays refresh latency.
func (c *Catalog) Run(ctx context.Context) error {
	interval := c.opts.TTL
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := c.refresh(ctx); err != nil {
				level.Warn(c.logger).Log("msg", "background rule refresh failed", "err", err)
			}
		}
	}
}

func (c *Catalog) get() *snapshot {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.current
}

func (c *Catalog) fresh(snap *snapshot) bool {
	return c.opts.TTL > 0 && time.Since(snap.loadedAt) < c.opts.TTL
}

func (c *Catalog) refresh(ctx context.Context) ([]rule.Snapshot, error) {
	c.refreshMtx.Lock()
	defer c.refreshMtx.Unlock()

	// Another reader may have refreshed while we waited for the lock.
	if snap := c.get(); snap != nil && c.fresh(snap) {
		return snap.rules, nil
	}

	refreshesTotal.Inc()
	rules, err := c.store.ActiveRules(ctx)
	if err != nil {
		refreshErrorsTotal.Inc()
		if snap := c.get(); snap != nil {
			level.Warn(c.logger).Log("msg", "rule refresh failed, serving previous snapshot", "err", err)
			return snap.rules, nil
		}
		return nil, err
	}
	activeRules.Set(float64(len(rules)))

	c.mtx.Lock()
	c.current = &snapshot{rules: rules, loadedAt: time.Now()}
	c.mtx.Unlock()

	return rules, nil
}
