package notify

import (
	"context"

	"stalewatch/internal/model"
)

// Directory is the slice of persistence recipient resolution needs.
type Directory interface {
	ListMembers(ctx context.Context, orgID string) ([]model.Member, error)
}

// RecipientCache resolves alert recipients for an org: owners and
// admins, falling back to every member when there are none. It is a
// read-through memo created once per run, passed through the
// orchestrator's call graph and discarded at run end; it is never
// invalidated mid-run.
type RecipientCache struct {
	dir   Directory
	cache map[string][]model.Member
}

func NewRecipientCache(dir Directory) *RecipientCache {
	return &RecipientCache{
		dir:   dir,
		cache: make(map[string][]model.Member),
	}
}

func (c *RecipientCache) Resolve(ctx context.Context, orgID string) ([]model.Member, error) {
	if cached, ok := c.cache[orgID]; ok {
		return cached, nil
	}
	members, err := c.dir.ListMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	recipients := make([]model.Member, 0, len(members))
	for _, m := range members {
		if m.Role == model.RoleOwner || m.Role == model.RoleAdmin {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		recipients = members
	}
	c.cache[orgID] = recipients
	return recipients, nil
}
