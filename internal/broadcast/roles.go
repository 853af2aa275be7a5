package broadcast

import (
	"fmt"
	"strings"
)

// RoleGroup is a closed set of recipient groups: three named militia roles plus
// the synthetic union of all of them.
type RoleGroup int

const (
	GroupKrein RoleGroup = iota + 1
	GroupGadyav
	GroupBozevin
	GroupAll
)

var groupSlugs = map[RoleGroup]string{
	GroupKrein:   "krein",
	GroupGadyav:  "gadyav",
	GroupBozevin: "bozevin",
	GroupAll:     "all",
}

// NamedGroups returns the groups backed by a directory role, in resolution order.
func NamedGroups() []RoleGroup {
	return []RoleGroup{GroupKrein, GroupGadyav, GroupBozevin}
}

func (g RoleGroup) String() string {
	if s, ok := groupSlugs[g]; ok {
		return s
	}
	return fmt.Sprintf("group(%d)", int(g))
}

func (g RoleGroup) Valid() bool {
	_, ok := groupSlugs[g]
	return ok
}

// Named reports whether g maps to a single directory role.
func (g RoleGroup) Named() bool { return g.Valid() && g != GroupAll }

func (g RoleGroup) MarshalText() ([]byte, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("invalid role group %d", int(g))
	}
	return []byte(g.String()), nil
}

func (g *RoleGroup) UnmarshalText(b []byte) error {
	v, err := ParseRoleGroup(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// ParseRoleGroup accepts a group slug, case-insensitive ("krein", "ALL").
func ParseRoleGroup(s string) (RoleGroup, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for g, slug := range groupSlugs {
		if slug == s {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown role group %q", s)
}

// RoleNames maps named groups to the role names looked up in the directory.
type RoleNames map[RoleGroup]string

// DefaultRoleNames are the militia role names of the community.
func DefaultRoleNames() RoleNames {
	return RoleNames{
		GroupKrein:   "Ополченец Крейна",
		GroupGadyav:  "Ополченец Гадява",
		GroupBozevin: "Ополченец Бозевина",
	}
}

// Merge returns defaults overridden by non-empty entries of override keyed by slug.
func (n RoleNames) Merge(override map[string]string) (RoleNames, error) {
	out := RoleNames{}
	for g, name := range n {
		out[g] = name
	}
	for slug, name := range override {
		g, err := ParseRoleGroup(slug)
		if err != nil {
			return nil, err
		}
		if !g.Named() {
			return nil, fmt.Errorf("role name override for %q: only named groups map to roles", slug)
		}
		if name = strings.TrimSpace(name); name != "" {
			out[g] = name
		}
	}
	return out, nil
}

// Display is the human-readable label used in replies.
func (n RoleNames) Display(g RoleGroup) string {
	if g == GroupAll {
		return "all militia"
	}
	if name, ok := n[g]; ok && name != "" {
		return name
	}
	return g.String()
}
