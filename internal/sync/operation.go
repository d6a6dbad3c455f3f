package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/callsync/internal/model"
)

// Kind is the mutation verb of a queued operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ErrUnsupportedOperation is returned when a persisted
// operation names a kind/entity pair the API has no call for.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// Operation is a queued mutation awaiting replay against the
// remote API. Only the Engine changes Attempts.
type Operation struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	EntityType model.EntityType `json:"entity_type"`
	Payload    model.Record     `json:"payload,omitempty"`
	TargetID   string           `json:"target_id,omitempty"`
	QueuedAt   time.Time        `json:"queued_at"`
	Attempts   int              `json:"attempts"`
}

// FailureRecord is an operation that exhausted its attempt
// budget, or failed permanently, and is waiting for a manual
// retry or clear.
type FailureRecord struct {
	Operation
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Mutation is one of the concrete operation types below. The
// set is closed: each type carries its own API call, so a new
// kind/entity pair cannot be queued without one.
type Mutation interface {
	Kind() Kind
	Entity() model.EntityType
	target() string
	payload() model.Record
	apply(ctx context.Context, c Client, target string) (model.Record, error)
}

// CreateLead creates a lead. LocalID is the temporary id the
// record carries locally until the server assigns one.
type CreateLead struct {
	LocalID string
	Lead    model.Record
}

func (CreateLead) Kind() Kind { return KindCreate }
func (CreateLead) Entity() model.EntityType { return model.EntityLead }
func (m CreateLead) target() string { return m.LocalID }
func (m CreateLead) payload() model.Record { return m.Lead }
func (m CreateLead) apply(
	ctx context.Context, c Client, _ string,
) (model.Record, error) {
	return c.CreateLead(ctx, m.Lead)
}

// UpdateLead applies a partial update to a lead.
type UpdateLead struct {
	ID    string
	Patch model.Record
}

func (UpdateLead) Kind() Kind { return KindUpdate }
func (UpdateLead) Entity() model.EntityType { return model.EntityLead }
func (m UpdateLead) target() string { return m.ID }
func (m UpdateLead) payload() model.Record { return m.Patch }
func (m UpdateLead) apply(
	ctx context.Context, c Client, target string,
) (model.Record, error) {
	return c.UpdateLead(ctx, target, m.Patch)
}

// DeleteLead deletes a lead.
type DeleteLead struct {
	ID string
}

func (DeleteLead) Kind() Kind { return KindDelete }
func (DeleteLead) Entity() model.EntityType { return model.EntityLead }
func (m DeleteLead) target() string { return m.ID }
func (DeleteLead) payload() model.Record { return nil }
func (DeleteLead) apply(
	ctx context.Context, c Client, target string,
) (model.Record, error) {
	return nil, c.DeleteLead(ctx, target)
}

// CreateCall logs a call.
type CreateCall struct {
	LocalID string
	Call    model.Record
}

func (CreateCall) Kind() Kind { return KindCreate }
func (CreateCall) Entity() model.EntityType { return model.EntityCall }
func (m CreateCall) target() string { return m.LocalID }
func (m CreateCall) payload() model.Record { return m.Call }
func (m CreateCall) apply(
	ctx context.Context, c Client, _ string,
) (model.Record, error) {
	return c.CreateCall(ctx, m.Call)
}

// UpdateCall applies a partial update to a call.
type UpdateCall struct {
	ID    string
	Patch model.Record
}

func (UpdateCall) Kind() Kind { return KindUpdate }
func (UpdateCall) Entity() model.EntityType { return model.EntityCall }
func (m UpdateCall) target() string { return m.ID }
func (m UpdateCall) payload() model.Record { return m.Patch }
func (m UpdateCall) apply(
	ctx context.Context, c Client, target string,
) (model.Record, error) {
	return c.UpdateCall(ctx, target, m.Patch)
}

// Mutation rebuilds the typed mutation from a persisted
// operation.
func (op Operation) Mutation() (Mutation, error) {
	switch op.EntityType {
	case model.EntityLead:
		switch op.Kind {
		case KindCreate:
			return CreateLead{LocalID: op.TargetID, Lead: op.Payload}, nil
		case KindUpdate:
			return UpdateLead{ID: op.TargetID, Patch: op.Payload}, nil
		case KindDelete:
			return DeleteLead{ID: op.TargetID}, nil
		}
	case model.EntityCall:
		switch op.Kind {
		case KindCreate:
			return CreateCall{LocalID: op.TargetID, Call: op.Payload}, nil
		case KindUpdate:
			return UpdateCall{ID: op.TargetID, Patch: op.Payload}, nil
		}
	}
	return nil, fmt.Errorf(
		"%w: %s %s", ErrUnsupportedOperation, op.Kind, op.EntityType,
	)
}
