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

// Package vessel defines the vessel state record consumed from the stream and
// the accessors rule evaluation is built on.
package vessel

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one vessel state message as carried on the stream. The IMO number
// is the entity identity; all records for one IMO arrive on one partition in
// log order. Position and kinematic fields are pointers because the upstream
// feed omits them when the transponder did not report a value.
type Record struct {
	IMO                int64    `json:"imo"`
	VesselName         string   `json:"vesselName"`
	Latitude           *float64 `json:"latitude"`
	Longitude          *float64 `json:"longitude"`
	Speed              *float64 `json:"speed"`
	Heading            *float64 `json:"heading"`
	Course             *float64 `json:"course"`
	Draught            *float64 `json:"draught"`
	VesselType         string   `json:"vesselType"`
	VesselClass        string   `json:"vesselClass"`
	VesselStatus       string   `json:"vesselStatus"`
	VesselVoyageStatus string   `json:"vesselVoyageStatus"`
	AISDestination     string   `json:"aisDestination"`
	AreaName           string   `json:"areaName"`
	AreaNameLevel1     string   `json:"areaNameLevel1"`
	IsSeagoing         *bool    `json:"isSeagoing"`
	Timestamp          string   `json:"timestamp,omitempty"`

	// Raw retains the message payload as received so snapshots and broadcasts
	// pass opaque producer fields through unmodified.
	Raw json.RawMessage `json:"-"`
}

// Canonical field names referenced by rule conditions and tracked across
// records. The set is fixed; other record fields may be read for the current
// record but have no history.
const (
	FieldVesselName         = "VesselName"
	FieldSpeed              = "Speed"
	FieldVesselVoyageStatus = "VesselVoyageStatus"
	FieldVesselStatus       = "VesselStatus"
	FieldAISDestination     = "AISDestination"
	FieldAreaName           = "AreaName"
	FieldAreaNameLevel1     = "AreaNameLevel1"
	FieldHeading            = "Heading"
	FieldDraught            = "Draught"
	FieldCourse             = "Course"
	FieldIsSeagoing         = "IsSeagoing"
	FieldVesselType         = "VesselType"
	FieldVesselClass        = "VesselClass"
	FieldLatitude           = "Latitude"
	FieldLongitude          = "Longitude"
)

// TrackedFieldNames is the fixed set of fields whose previous values are kept
// per IMO to serve change detection.
var TrackedFieldNames = []string{
	FieldVesselName,
	FieldSpeed,
	FieldVesselVoyageStatus,
	FieldVesselStatus,
	FieldAISDestination,
	FieldAreaName,
	FieldAreaNameLevel1,
	FieldHeading,
	FieldDraught,
	FieldCourse,
	FieldIsSeagoing,
}

// Decode parses a stream payload into a Record. It fails on malformed JSON and
// on records without a positive IMO, which cannot be keyed.
func Decode(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode vessel record: %w", err)
	}
	if r.IMO <= 0 {
		return nil, fmt.Errorf("vessel record without IMO identity")
	}
	r.Raw = append(json.RawMessage(nil), b...)
	return &r, nil
}

// ValidCoordinate reports whether v holds a finite number. Missing and
// non-finite values must never be dereferenced as positions.
func ValidCoordinate(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// HasPosition reports whether the record carries a valid latitude and
// longitude pair.
func (r *Record) HasPosition() bool {
	return ValidCoordinate(r.Latitude) && ValidCoordinate(r.Longitude)
}

// Field returns the scalar value of the named record field rendered as a
// string, and whether the field carried a value. Lookup is case-insensitive
// so conditions authored against either naming convention resolve.
func (r *Record) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "vesselname":
		return r.VesselName, r.VesselName != ""
	case "speed":
		return formatFloat(r.Speed)
	case "vesselvoyagestatus":
		return r.VesselVoyageStatus, r.VesselVoyageStatus != ""
	case "vesselstatus":
		return r.VesselStatus, r.VesselStatus != ""
	case "aisdestination":
		return r.AISDestination, r.AISDestination != ""
	case "areaname":
		return r.AreaName, r.AreaName != ""
	case "areanamelevel1":
		return r.AreaNameLevel1, r.AreaNameLevel1 != ""
	case "heading":
		return formatFloat(r.Heading)
	case "draught":
		return formatFloat(r.Draught)
	case "course":
		return formatFloat(r.Course)
	case "isseagoing":
		if r.IsSeagoing == nil {
			return "", false
		}
		return strconv.FormatBool(*r.IsSeagoing), true
	case "vesseltype":
		return r.VesselType, r.VesselType != ""
	case "vesselclass":
		return r.VesselClass, r.VesselClass != ""
	case "latitude":
		return formatFloat(r.Latitude)
	case "longitude":
		return formatFloat(r.Longitude)
	case "imo":
		return strconv.FormatInt(r.IMO, 10), true
	}
	return "", false
}

// TrackedFields renders the fixed tracked set for this record. Fields without
// a value are omitted so stale state is not overwritten with blanks.
func (r *Record) TrackedFields() map[string]string {
	m := make(map[string]string, len(TrackedFieldNames))
	for _, name := range TrackedFieldNames {
		if v, ok := r.Field(name); ok {
			m[name] = v
		}
	}
	return m
}

// IdentityContext returns the template substitution values derived from the
// record itself. Evaluator context is merged over it when rendering.
func (r *Record) IdentityContext(now time.Time) map[string]string {
	ctx := map[string]string{
		"vesselName":  r.VesselName,
		"imo":         strconv.FormatInt(r.IMO, 10),
		"destination": r.AISDestination,
		"status":      r.VesselStatus,
		"timestamp":   now.UTC().Format(time.RFC3339),
	}
	if v, ok := r.Field(FieldLatitude); ok {
		ctx["latitude"] = v
	}
	if v, ok := r.Field(FieldLongitude); ok {
		ctx["longitude"] = v
	}
	if v, ok := r.Field(FieldSpeed); ok {
		ctx["speed"] = v
	}
	return ctx
}

func formatFloat(v *float64) (string, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return "", false
	}
	return strconv.FormatFloat(*v, 'f', -1, 64), true
}
