// Package access decides read/write eligibility for (user, document) pairs.
package access

import (
	"errors"

	"livemd/store"
)

type Service struct {
	store *store.Store
}

func New(st *store.Store) *Service {
	return &Service{store: st}
}

// CanAccess reports whether username may open documentID. Empty inputs and
// unknown documents are denied outright; a document is never created here.
// A non-nil error means the store could not answer, which callers must treat
// as a denial rather than proceeding on unknown state.
func (s *Service) CanAccess(username, documentID string) (bool, error) {
	if username == "" || documentID == "" {
		return false, nil
	}
	doc, err := s.store.GetDocument(documentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.IsPublic || doc.OwnerUsername == username, nil
}
