package permission

import (
	"context"
	"fmt"

	"github.com/agendo/agendo/pkg/principal"
)

// Service resolves effective roles and manages grants. Every mutating call
// re-validates the acting principal's role inside the same transaction as the
// write, so a revocation can never race a grant change.
type Service interface {
	RoleOf(ctx context.Context, eventId string, principalId string) (Role, bool, error)
	Authorize(ctx context.Context, eventId string, principalId string, required Role) error
	Grant(ctx context.Context, eventId string, targetId string, role Role) ([]Grant, error)
	UpdateGrant(ctx context.Context, eventId string, targetId string, role Role) (*Grant, error)
	RevokeGrant(ctx context.Context, eventId string, targetId string) error
	ListGrants(ctx context.Context, eventId string) ([]Grant, error)
}

type ServiceImpl struct {
	repo Repository
}

func NewService(repo Repository) *ServiceImpl {
	return &ServiceImpl{repo: repo}
}

func (s *ServiceImpl) RoleOf(ctx context.Context, eventId string, principalId string) (Role, bool, error) {
	grant, err := s.repo.GetGrant(ctx, eventId, principalId)
	if err != nil {
		return "", false, err
	}
	if grant == nil {
		return "", false, nil
	}
	return grant.Role, true, nil
}

func (s *ServiceImpl) Authorize(ctx context.Context, eventId string, principalId string, required Role) error {
	return authorizeWith(ctx, s.repo, eventId, principalId, required)
}

// authorizeWith runs the role check against the given repository, which may be
// transaction-scoped so the check shares the caller's unit of atomicity.
func authorizeWith(ctx context.Context, repo Repository, eventId string, principalId string, required Role) error {
	exists, err := repo.EventExists(ctx, eventId)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}
	grant, err := repo.GetGrant(ctx, eventId, principalId)
	if err != nil {
		return err
	}
	if grant == nil || !grant.Role.AtLeast(required) {
		return fmt.Errorf("%w: event %s requires %s", ErrForbidden, eventId, required)
	}
	return nil
}

// Grant shares an event with another principal as Editor or Viewer. The Owner
// role is never assigned this way; ownership moves only through UpdateGrant.
// Sharing with a principal that already holds a grant updates its role.
func (s *ServiceImpl) Grant(ctx context.Context, eventId string, targetId string, role Role) ([]Grant, error) {
	actorId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if role == RoleOwner {
		return nil, ErrOwnerGrantNotAllowed
	}

	var grants []Grant
	err = s.repo.WithTransaction(ctx, func(repo Repository) error {
		if err := authorizeWith(ctx, repo, eventId, actorId, RoleOwner); err != nil {
			return err
		}
		existing, err := repo.GetGrant(ctx, eventId, targetId)
		if err != nil {
			return err
		}
		if existing != nil && existing.Role == RoleOwner {
			// Demoting the sole owner requires an explicit ownership transfer.
			return ErrLastOwnerViolation
		}
		if _, err := repo.UpsertGrant(ctx, eventId, targetId, role); err != nil {
			return err
		}
		grants, err = repo.ListGrants(ctx, eventId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// UpdateGrant changes an existing grant's role. Setting the Owner role is an
// atomic ownership transfer: the current owner is demoted to Editor and the
// target promoted within one transaction, preserving the single-owner invariant.
func (s *ServiceImpl) UpdateGrant(ctx context.Context, eventId string, targetId string, role Role) (*Grant, error) {
	actorId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	var updated *Grant
	err = s.repo.WithTransaction(ctx, func(repo Repository) error {
		if err := authorizeWith(ctx, repo, eventId, actorId, RoleOwner); err != nil {
			return err
		}
		target, err := repo.GetGrant(ctx, eventId, targetId)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("%w: event %s principal %s", ErrGrantNotFound, eventId, targetId)
		}

		if role == RoleOwner {
			if target.Role == RoleOwner {
				updated = target
				return nil
			}
			owner, err := repo.FindOwner(ctx, eventId)
			if err != nil {
				return err
			}
			if owner != nil {
				if _, err := repo.UpsertGrant(ctx, eventId, owner.PrincipalID, RoleEditor); err != nil {
					return err
				}
			}
			grant, err := repo.UpsertGrant(ctx, eventId, targetId, RoleOwner)
			if err != nil {
				return err
			}
			updated = &grant
			return nil
		}

		if target.Role == RoleOwner {
			return ErrLastOwnerViolation
		}
		grant, err := repo.UpsertGrant(ctx, eventId, targetId, role)
		if err != nil {
			return err
		}
		updated = &grant
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RevokeGrant removes a principal's access. The sole owner grant can never be
// revoked; transfer ownership first.
func (s *ServiceImpl) RevokeGrant(ctx context.Context, eventId string, targetId string) error {
	actorId, err := principal.CurrentID(ctx)
	if err != nil {
		return err
	}

	return s.repo.WithTransaction(ctx, func(repo Repository) error {
		if err := authorizeWith(ctx, repo, eventId, actorId, RoleOwner); err != nil {
			return err
		}
		target, err := repo.GetGrant(ctx, eventId, targetId)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("%w: event %s principal %s", ErrGrantNotFound, eventId, targetId)
		}
		if target.Role == RoleOwner {
			return ErrLastOwnerViolation
		}
		deleted, err := repo.DeleteGrant(ctx, eventId, targetId)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: event %s principal %s", ErrGrantNotFound, eventId, targetId)
		}
		return nil
	})
}

// ListGrants returns every grant on the event, unfiltered. Requires at least
// Viewer role.
func (s *ServiceImpl) ListGrants(ctx context.Context, eventId string) ([]Grant, error) {
	actorId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := authorizeWith(ctx, s.repo, eventId, actorId, RoleViewer); err != nil {
		return nil, err
	}
	return s.repo.ListGrants(ctx, eventId)
}
