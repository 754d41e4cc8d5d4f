package model

// RegionID identifies a replicated region. The deployment designates exactly
// one region as primary and one as secondary through configuration; the type
// itself is an opaque name so additional regions can be introduced later.
type RegionID string

func (r RegionID) String() string {
	return string(r)
}
