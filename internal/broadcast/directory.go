package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

// RecipientDirectory resolves a RoleGroup against a point-in-time membership snapshot.
// Nothing is cached between calls.
type RecipientDirectory struct {
	dir       transport.Directory
	community string
	log       logx.Logger

	mu    sync.RWMutex
	names RoleNames
}

func NewRecipientDirectory(dir transport.Directory, communityID string, names RoleNames, log logx.Logger) *RecipientDirectory {
	if log.IsZero() {
		log = logx.Nop()
	}
	if names == nil {
		names = DefaultRoleNames()
	}
	return &RecipientDirectory{dir: dir, community: communityID, names: names, log: log}
}

// SetRoleNames swaps role names (config reload).
func (d *RecipientDirectory) SetRoleNames(names RoleNames) {
	if names == nil {
		return
	}
	d.mu.Lock()
	d.names = names
	d.mu.Unlock()
}

func (d *RecipientDirectory) RoleNames() RoleNames {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names
}

// ResolveGroup returns the de-duplicated recipients holding the group's role.
//
// For GroupAll every named role is looked up on its own; missing roles are skipped and
// ErrGroupNotFound is returned only when none exists. Members are listed once per call.
// Bot accounts are never returned, so a delivery tally neither sends to nor counts them.
func (d *RecipientDirectory) ResolveGroup(ctx context.Context, g RoleGroup) ([]transport.Recipient, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, g)
	}
	names := d.RoleNames()

	targets := []RoleGroup{g}
	if g == GroupAll {
		targets = NamedGroups()
	}

	roles, err := d.dir.ListRoles(ctx, d.community)
	if err != nil {
		return nil, fmt.Errorf("%w: list roles: %v", ErrDirectoryUnavailable, err)
	}
	byName := make(map[string]string, len(roles))
	for _, r := range roles {
		if _, dup := byName[r.Name]; !dup {
			byName[r.Name] = r.ID
		}
	}

	roleIDs := make([]string, 0, len(targets))
	missing := make([]string, 0)
	for _, t := range targets {
		name := names[t]
		id, ok := byName[name]
		if !ok || name == "" {
			missing = append(missing, name)
			d.log.Warn("role not found", logx.String("group", t.String()), logx.String("role", name))
			continue
		}
		roleIDs = append(roleIDs, id)
	}
	if len(roleIDs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, strings.Join(missing, ", "))
	}

	members, err := d.dir.ListMembers(ctx, d.community)
	if err != nil {
		return nil, fmt.Errorf("%w: list members: %v", ErrDirectoryUnavailable, err)
	}

	humans := members[:0:0]
	for _, m := range members {
		if !m.Bot {
			humans = append(humans, m)
		}
	}

	seen := make(map[string]struct{})
	out := make([]transport.Recipient, 0)
	for _, id := range roleIDs {
		for _, r := range transport.MembersWithRole(humans, id) {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}

	d.log.Debug("group resolved",
		logx.String("group", g.String()),
		logx.Int("roles", len(roleIDs)),
		logx.Int("members", len(members)),
		logx.Int("recipients", len(out)),
	)
	return out, nil
}
