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

package processor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log/level"

	"github.com/vesselwatch/vesselwatch/pkg/broadcast"
	"github.com/vesselwatch/vesselwatch/pkg/state"
	"github.com/vesselwatch/vesselwatch/pkg/vessel"
)

// recordDiscovery adds every non-empty enumerable field of the record to its
// discovery set. All adds for one record go out in a single round trip.
func (p *Processor) recordDiscovery(ctx context.Context, rec *vessel.Record) error {
	entries := map[string][]string{
		state.SetVessels: {strconv.FormatInt(rec.IMO, 10)},
	}
	add := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			entries[key] = append(entries[key], value)
		}
	}
	add(state.SetDestinations, rec.AISDestination)
	add(state.SetAreas, rec.AreaName)
	add(state.SetAreasLevel1, rec.AreaNameLevel1)
	add(state.SetVesselTypes, rec.VesselType)
	add(state.SetVesselClasses, rec.VesselClass)
	add(state.SetVoyageStatuses, rec.VesselVoyageStatus)

	return p.cfg.State.AddDiscovered(ctx, entries)
}

// RunStats periodically publishes discovery cardinalities on the stats
// channel and logs a processing summary. The first publish happens right at
// startup so a fresh or reset instance reports immediately.
func (p *Processor) RunStats(ctx context.Context) error {
	tick := time.NewTicker(p.cfg.StatsInterval)
	defer tick.Stop()

	p.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			p.publishStats(ctx)
		}
	}
}

func (p *Processor) publishStats(ctx context.Context) {
	raw, err := p.cfg.State.DiscoveryStats(ctx)
	if err != nil {
		level.Warn(p.logger).Log("msg", "reading discovery stats failed", "err", err)
		return
	}
	stats := make(map[string]int64, len(raw))
	for key, n := range raw {
		stats[statName(key)] = n
		discoveryValues.WithLabelValues(statName(key)).Set(float64(n))
	}
	update := broadcast.StatsUpdate{Stats: stats, Timestamp: time.Now()}
	if err := p.cfg.Broadcast.Publish(ctx, broadcast.ChannelDiscoveryStats, update); err != nil {
		level.Warn(p.logger).Log("msg", "discovery stats not broadcast", "err", err)
	}

	keyvals := []any{
		"msg", "processing summary",
		"records", p.processed.Load(),
		"rule_errors", p.errors.Load(),
	}
	for _, key := range state.DiscoverySetKeys {
		keyvals = append(keyvals, statName(key), stats[statName(key)])
	}
	level.Info(p.logger).Log(keyvals...)
}

// statName turns a set key like "discovered:areas:level1" into a log-friendly
// label like "areas_level1".
func statName(key string) string {
	name := strings.TrimPrefix(key, "discovered:")
	return strings.ReplaceAll(name, ":", "_")
}
