// Package system provides the wall clock used to stamp downloads.
package system

import "time"

// Clock implements dataset.Clock. Timestamps carry the local offset and whole seconds.
type Clock struct {
	loc *time.Location
}

// New creates a Clock in the process's local zone.
func New() *Clock {
	return &Clock{loc: time.Local}
}

// NewIn creates a Clock reporting times in loc.
func NewIn(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc}
}

// Now returns the current time truncated to the second.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc).Truncate(time.Second)
}
