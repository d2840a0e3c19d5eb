package store

import (
	"context"
	"errors"

	"github.com/yourorg/abtest/internal/identity"
)

// IdentityStore exposes the identity of one profile as an identity.Store.
func (s *SQLiteStore) IdentityStore(profile string) identity.Store {
	return &profileIdentity{st: s, profile: profile}
}

type profileIdentity struct {
	st      Store
	profile string
}

func (p *profileIdentity) Get(ctx context.Context) (string, bool, error) {
	id, err := p.st.GetIdentity(ctx, p.profile)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (p *profileIdentity) Set(ctx context.Context, id string) error {
	return p.st.SetIdentity(ctx, p.profile, id)
}
