/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package control evaluates a property's timestamped control-point series
// down to a single value at a given instant.
package control

import (
	"time"

	"github.com/friendsincode/graphengine/internal/graph/protocol"
)

// Eval returns the value of a control-point series at instant at, and
// whether any value could be determined at all (false when points is empty
// or every point lies after at with nothing to fall back to... actually
// false only when points is empty).
//
// The point in effect is the latest point at or before at; if none exists,
// the earliest point after at is used instead (the series reads as "not
// yet reached" rather than undefined). When the point in effect is in
// Interpolate mode, a point strictly before at and a point strictly after
// at both exist, and both carry numeric values, the result is linearly
// interpolated between them; otherwise the point's own value is returned
// verbatim.
func Eval(points []protocol.ControlPoint, at time.Time) (any, bool) {
	var before, after *protocol.ControlPoint
	for i := range points {
		p := &points[i]
		if !p.Time.After(at) {
			if before == nil || p.Time.After(before.Time) {
				before = p
			}
		} else {
			if after == nil || p.Time.Before(after.Time) {
				after = p
			}
		}
	}

	current := before
	if current == nil {
		current = after
	}
	if current == nil {
		return nil, false
	}

	if current.Mode == protocol.ControlModeInterpolate && before != nil && after != nil {
		beforeVal, beforeOK := current.Value.(float64)
		afterVal, afterOK := after.Value.(float64)
		if beforeOK && afterOK {
			span := after.Time.Sub(before.Time).Seconds()
			ratio := 0.0
			if span > 0 {
				ratio = at.Sub(before.Time).Seconds() / span
				if ratio < 0 {
					ratio = 0
				} else if ratio > 1 {
					ratio = 1
				}
			}
			return beforeVal + (afterVal-beforeVal)*ratio, true
		}
	}

	return current.Value, true
}
