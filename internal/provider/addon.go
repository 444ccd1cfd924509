package provider

import "strings"

// AddonSet is the set of provider names whose paths carry a leading
// routing segment.
type AddonSet map[string]struct{}

// ParseAddonSet reads a comma-separated list of provider names.
func ParseAddonSet(csv string) AddonSet {
	set := AddonSet{}
	for _, n := range strings.Split(csv, ",") {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func (s AddonSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}
