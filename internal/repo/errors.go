package repo

import (
	"errors"

	"github.com/BuzzLyutic/kanban-api/internal/model"
)

var (
	ErrorNotFound = errors.New("not found")
	ErrorConflict = errors.New("conflict")
)

// ApplyMutation runs mutate on a copy of current and pins the fields owned by
// the store. The returned task still carries the current version; stores bump
// it when they commit.
func ApplyMutation(current model.Task, mutate MutateFunc) (model.Task, error) {
	next := current
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return current, err
		}
	}
	next.ID = current.ID
	next.Version = current.Version
	next.CreatedAt = current.CreatedAt
	return next, nil
}
