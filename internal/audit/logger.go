package audit

import (
	"context"
	"errors"

	"github.com/onnwee/civicq/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to Record.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned for an empty or unknown entity type.
	ErrInvalidEntityType = errors.New("invalid audit entity type")
	// ErrInvalidEntityID is returned when the entity ID is empty.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned for an empty or unknown action.
	ErrInvalidAction = errors.New("invalid audit action")
)

// ValidEntityTypes defines the allowed entity types for audit logging.
var ValidEntityTypes = map[string]bool{
	EntityQuestion: true,
	EntityVote:     true,
	EntityContest:  true,
}

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionModerateQuestion: true,
	ActionEditQuestion:     true,
	ActionOverrideWeight:   true,
	ActionFreezeVotes:      true,
	ActionRecompute:        true,
}

func validateEntry(e Entry) error {
	if !ValidEntityTypes[e.EntityType] {
		return ErrInvalidEntityType
	}
	if e.EntityID == "" {
		return ErrInvalidEntityID
	}
	if !ValidActions[e.Action] {
		return ErrInvalidAction
	}
	return nil
}

// Record validates and appends an entry. Actor and request ID default to
// the values the HTTP middleware stored in ctx; an empty outcome means success.
//
// Recording fails closed: the error is returned to the caller.
func Record(ctx context.Context, repo Repository, e Entry) (*Log, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if err := validateEntry(e); err != nil {
		return nil, err
	}
	if e.ActorID == "" {
		e.ActorID = middleware.GetActorID(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = middleware.GetRequestID(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	return repo.Append(ctx, e)
}
