package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExport  Action = "export"
	ActionReview  Action = "review"
	ActionApprove Action = "approve"
)

const ResourceConsultation = "consultation"

type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
)

// Actor identifies who performs an operation. System actors are internal
// workers and bypass ownership checks; user actors may only touch what they own.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Kind ActorKind `json:"kind"`
}

func User(id uuid.UUID) Actor {
	return Actor{ID: id, Kind: ActorUser}
}

func System() Actor {
	return Actor{ID: uuid.Nil, Kind: ActorSystem}
}

func (a Actor) IsSystem() bool {
	return a.Kind == ActorSystem
}

// CanAccess reports whether the actor may act on a resource owned by owner.
func (a Actor) CanAccess(owner uuid.UUID) bool {
	return a.IsSystem() || (a.Kind == ActorUser && a.ID == owner)
}

// Event is one immutable audit record.
type Event struct {
	ID           uuid.UUID      `json:"id"`
	Actor        Actor          `json:"actor"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   uuid.UUID      `json:"resource_id"`
	OwnerID      uuid.UUID      `json:"owner_id"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func NewEvent(actor Actor, action Action, resourceID, ownerID uuid.UUID, at time.Time, details map[string]any) Event {
	return Event{
		ID:           uuid.New(),
		Actor:        actor,
		Action:       action,
		ResourceType: ResourceConsultation,
		ResourceID:   resourceID,
		OwnerID:      ownerID,
		Details:      details,
		CreatedAt:    at.UTC(),
	}
}

// Sink accepts events. Append must be idempotent by event id.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Query selects events of one resource. A non-nil OwnerID restricts the
// result to events of resources owned by that actor.
type Query struct {
	ResourceID uuid.UUID
	OwnerID    *uuid.UUID
	Limit      int
}

type Reader interface {
	List(ctx context.Context, q Query) ([]Event, error)
}
