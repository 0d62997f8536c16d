package permission

import (
	"context"
	"time"
)

// RepositoryStub is an in-memory Repository for tests.
type RepositoryStub struct {
	nextId int
	events map[string]bool
	grants map[string]map[string]Grant // eventId -> principalId -> grant
}

func NewRepositoryStub() *RepositoryStub {
	return &RepositoryStub{
		events: map[string]bool{},
		grants: map[string]map[string]Grant{},
	}
}

// AddEvent registers an event id so existence checks pass.
func (s *RepositoryStub) AddEvent(eventId string) {
	s.events[eventId] = true
	if s.grants[eventId] == nil {
		s.grants[eventId] = map[string]Grant{}
	}
}

func (s *RepositoryStub) WithTransaction(ctx context.Context, fn func(repo Repository) error) error {
	return fn(s)
}

func (s *RepositoryStub) EventExists(ctx context.Context, eventId string) (bool, error) {
	return s.events[eventId], nil
}

func (s *RepositoryStub) GetGrant(ctx context.Context, eventId string, principalId string) (*Grant, error) {
	if grant, ok := s.grants[eventId][principalId]; ok {
		return &grant, nil
	}
	return nil, nil
}

func (s *RepositoryStub) ListGrants(ctx context.Context, eventId string) ([]Grant, error) {
	grants := make([]Grant, 0, len(s.grants[eventId]))
	for _, g := range s.grants[eventId] {
		grants = append(grants, g)
	}
	return grants, nil
}

func (s *RepositoryStub) UpsertGrant(ctx context.Context, eventId string, principalId string, role Role) (Grant, error) {
	if s.grants[eventId] == nil {
		s.grants[eventId] = map[string]Grant{}
	}
	grant, ok := s.grants[eventId][principalId]
	if !ok {
		s.nextId++
		grant = Grant{
			ID:          s.nextId,
			EventID:     eventId,
			PrincipalID: principalId,
			GrantedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	grant.Role = role
	s.grants[eventId][principalId] = grant
	return grant, nil
}

func (s *RepositoryStub) DeleteGrant(ctx context.Context, eventId string, principalId string) (bool, error) {
	if _, ok := s.grants[eventId][principalId]; ok {
		delete(s.grants[eventId], principalId)
		return true, nil
	}
	return false, nil
}

func (s *RepositoryStub) FindOwner(ctx context.Context, eventId string) (*Grant, error) {
	for _, g := range s.grants[eventId] {
		if g.Role == RoleOwner {
			grant := g
			return &grant, nil
		}
	}
	return nil, nil
}
