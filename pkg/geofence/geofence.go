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

// Package geofence models client geofences and answers point containment.
package geofence

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Type discriminates the two supported geofence shapes.
type Type string

const (
	TypePolygon Type = "polygon"
	TypeCircle  Type = "circle"
)

// Geofence is a client-defined area. Polygon coordinates are an ordered ring
// of [lng, lat] pairs; the first point need not be repeated at the end.
// Circles are a center plus radius in kilometers.
type Geofence struct {
	ID          int64        `json:"id"`
	ClientID    string       `json:"clientId"`
	Name        string       `json:"name"`
	Type        Type         `json:"geofenceType"`
	Coordinates [][2]float64 `json:"coordinates,omitempty"`
	CenterLat   float64      `json:"centerLat,omitempty"`
	CenterLng   float64      `json:"centerLng,omitempty"`
	RadiusKM    float64      `json:"radiusKm,omitempty"`
	IsActive    bool         `json:"isActive"`
}

// Contains reports whether the position lies inside the geofence. Invalid
// shapes (unknown type, degenerate ring, non-positive radius) are never
// entered.
func (g *Geofence) Contains(lat, lng float64) bool {
	switch g.Type {
	case TypePolygon:
		ring := g.ring()
		if len(ring) < 4 {
			return false
		}
		return planar.RingContains(ring, orb.Point{lng, lat})
	case TypeCircle:
		if g.RadiusKM <= 0 {
			return false
		}
		d := geo.DistanceHaversine(orb.Point{g.CenterLng, g.CenterLat}, orb.Point{lng, lat})
		return d <= g.RadiusKM*1000
	}
	return false
}

// ring converts the stored coordinates to an orb ring, closing it by
// appending the first point when the input ring is open.
func (g *Geofence) ring() orb.Ring {
	if len(g.Coordinates) == 0 {
		return nil
	}
	ring := make(orb.Ring, 0, len(g.Coordinates)+1)
	for _, c := range g.Coordinates {
		ring = append(ring, orb.Point{c[0], c[1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}
