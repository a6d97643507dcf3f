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

// Package state is the Redis-backed hot state store: per-vessel tracked field
// snapshots, the legacy destination slot, geofence inside flags, the global
// positions snapshot and the discovery sets. All per-vessel writes are
// serialised by the per-partition ordering of the record source; the store
// itself only requires Redis' single-key atomicity.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Discovery set keys. Sets accumulate every observed non-empty value for
// their field kind and are idempotent by nature.
const (
	SetVessels        = "discovered:vessels"
	SetDestinations   = "discovered:destinations"
	SetAreas          = "discovered:areas"
	SetAreasLevel1    = "discovered:areas:level1"
	SetVesselTypes    = "discovered:vesselTypes"
	SetVesselClasses  = "discovered:vesselClasses"
	SetVoyageStatuses = "discovered:voyageStatuses"
)

// DiscoverySetKeys lists every discovery set in stats order.
var DiscoverySetKeys = []string{
	SetVessels,
	SetDestinations,
	SetAreas,
	SetAreasLevel1,
	SetVesselTypes,
	SetVesselClasses,
	SetVoyageStatuses,
}

const keyPositions = "vessels:positions"

// Options configures the state store TTLs.
type Options struct {
	// TTL bounds tracked-field snapshots, the destination slot and geofence
	// flags. Zero means the 24 h default.
	TTL time.Duration
	// LegacyTTL bounds the legacy vessel:{IMO} hash. Zero means 1 h.
	LegacyTTL time.Duration
}

// Store wraps a Redis client with the processor's keyspace.
type Store struct {
	client    redis.UniversalClient
	ttl       time.Duration
	legacyTTL time.Duration
}

// New returns a state store on the given client.
func New(client redis.UniversalClient, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.LegacyTTL <= 0 {
		opts.LegacyTTL = time.Hour
	}
	return &Store{client: client, ttl: opts.TTL, legacyTTL: opts.LegacyTTL}
}

func keyFullState(imo int64) string {
	return "vessel:fullstate:" + strconv.FormatInt(imo, 10)
}

func keyDestination(imo int64) string {
	return "vessel:" + strconv.FormatInt(imo, 10) + ":destination"
}

func keyGeofenceFlag(imo, geofenceID int64) string {
	return "vessel:" + strconv.FormatInt(imo, 10) + ":geofence:" + strconv.FormatInt(geofenceID, 10)
}

func keyLegacyVessel(imo int64) string {
	return "vessel:" + strconv.FormatInt(imo, 10)
}

// TrackedFields returns the tracked-field snapshot for a vessel, or nil when
// no snapshot exists yet. Callers rely on the nil/empty distinction: nil
// short-circuits every state-dependent operator.
func (s *Store) TrackedFields(ctx context.Context, imo int64) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, keyFullState(imo)).Result()
	if err != nil {
		return nil, fmt.Errorf("read tracked fields for %d: %w", imo, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// SetTrackedFields upserts the tracked-field snapshot and refreshes its TTL.
// The legacy vessel:{IMO} hash is written alongside for consumers that still
// read it.
func (s *Store) SetTrackedFields(ctx context.Context, imo int64, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyFullState(imo), flat...)
		p.Expire(ctx, keyFullState(imo), s.ttl)
		p.HSet(ctx, keyLegacyVessel(imo), flat...)
		p.Expire(ctx, keyLegacyVessel(imo), s.legacyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write tracked fields for %d: %w", imo, err)
	}
	return nil
}

// Destination returns the stored destination slot for the vessel, empty when
// none is recorded.
func (s *Store) Destination(ctx context.Context, imo int64) (string, error) {
	v, err := s.client.Get(ctx, keyDestination(imo)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read destination for %d: %w", imo, err)
	}
	return v, nil
}

// SetDestination records the destination slot with the snapshot TTL.
func (s *Store) SetDestination(ctx context.Context, imo int64, destination string) error {
	if err := s.client.Set(ctx, keyDestination(imo), destination, s.ttl).Err(); err != nil {
		return fmt.Errorf("write destination for %d: %w", imo, err)
	}
	return nil
}

// SetGeofenceFlag mirrors the inside/outside outcome of a geofence
// evaluation for UI reads. The authoritative transition state lives in the
// rule state table.
func (s *Store) SetGeofenceFlag(ctx context.Context, imo, geofenceID int64, inside bool) error {
	v := "0"
	if inside {
		v = "1"
	}
	if err := s.client.Set(ctx, keyGeofenceFlag(imo, geofenceID), v, s.ttl).Err(); err != nil {
		return fmt.Errorf("write geofence flag for %d/%d: %w", imo, geofenceID, err)
	}
	return nil
}

// SetPosition stores the latest raw record for a vessel in the process-wide
// positions snapshot. No TTL: liveness is bounded by the producer.
func (s *Store) SetPosition(ctx context.Context, imo int64, raw []byte) error {
	if err := s.client.HSet(ctx, keyPositions, strconv.FormatInt(imo, 10), raw).Err(); err != nil {
		return fmt.Errorf("write position for %d: %w", imo, err)
	}
	return nil
}

// AddDiscovered adds values to discovery sets in a single round trip. Empty
// value lists are skipped.
func (s *Store) AddDiscovered(ctx context.Context, entries map[string][]string) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for key, values := range entries {
			if len(values) == 0 {
				continue
			}
			members := make([]any, 0, len(values))
			for _, v := range values {
				members = append(members, v)
			}
			p.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add discovery values: %w", err)
	}
	return nil
}

// DiscoveryStats returns the cardinality of every discovery set.
func (s *Store) DiscoveryStats(ctx context.Context) (map[string]int64, error) {
	cmds := make([]*redis.IntCmd, len(DiscoverySetKeys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range DiscoverySetKeys {
			cmds[i] = p.SCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read discovery stats: %w", err)
	}
	stats := make(map[string]int64, len(DiscoverySetKeys))
	for i, key := range DiscoverySetKeys {
		stats[key] = cmds[i].Val()
	}
	return stats, nil
}

// PurgeVessels deletes all per-vessel keys, the positions snapshot and the
// discovery sets. Used by the reset flow before re-consuming from the
// beginning.
func (s *Store) PurgeVessels(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "vessel:*", 500).Result()
		if err != nil {
			return fmt.Errorf("scan vessel keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete vessel keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	keys := append([]string{keyPositions}, DiscoverySetKeys...)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete snapshot keys: %w", err)
	}
	return nil
}
