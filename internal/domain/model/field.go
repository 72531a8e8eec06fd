package model

import (
	"fmt"
	"strings"
)

// Stat selects which value of an aggregate field is addressed.
type Stat string

const (
	StatTotal Stat = "total"
	StatAvg   Stat = "avg"
	StatMax   Stat = "max"
	StatCount Stat = "count"
	StatRatio Stat = "ratio"
)

// FieldRef addresses one rankable value of an aggregate, written as
// "<name>.<stat>", e.g. "total_points.avg" or "no_shows.objective.count".
type FieldRef struct {
	Name string
	Stat Stat
}

func (f FieldRef) String() string {
	return f.Name + "." + string(f.Stat)
}

// ParseFieldRef splits ref at its last dot.
func ParseFieldRef(ref string) (FieldRef, error) {
	ref = strings.TrimSpace(ref)
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return FieldRef{}, fmt.Errorf("%w: %q", ErrUnknownField, ref)
	}
	f := FieldRef{Name: ref[:i], Stat: Stat(ref[i+1:])}
	switch f.Stat {
	case StatTotal, StatAvg, StatMax, StatCount, StatRatio:
		return f, nil
	}
	return FieldRef{}, fmt.Errorf("%w: unknown stat in %q", ErrUnknownField, ref)
}
