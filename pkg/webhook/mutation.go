// Package webhook turns committed data mutations into signed HTTP callbacks to
// registered subscribers. Mutations enter through the Interceptor, are
// coalesced by the BatchScheduler and fanned out by the Dispatcher.
package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
)

// Record is a mutated entity as a JSON-compatible map.
type Record = map[string]any

type Operation = schema.Operation

const (
	OperationCreate = schema.OperationCreate
	OperationUpdate = schema.OperationUpdate
	OperationDelete = schema.OperationDelete
)

// MutationEvent is a committed mutation waiting in the batch queue.
type MutationEvent struct {
	ListKey      string
	Operation    Operation
	Item         Record
	OriginalItem Record
	// Context is the owning request context, detached from its cancellation.
	Context     context.Context
	CommittedAt time.Time
}

// NewMutationEvent captures a mutation. The request context keeps its values
// but not its deadline, so delivery outlives the request that caused it.
func NewMutationEvent(ctx context.Context, listKey string, op Operation, item, original Record) MutationEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	return MutationEvent{
		ListKey:      listKey,
		Operation:    op,
		Item:         item,
		OriginalItem: original,
		Context:      context.WithoutCancel(ctx),
		CommittedAt:  time.Now().UTC(),
	}
}

// FromMessage converts a broker or HTTP mutation message into an event.
func FromMessage(ctx context.Context, msg schema.MutationMessage) MutationEvent {
	ev := NewMutationEvent(ctx, msg.ListKey, msg.Operation, msg.Item, msg.OriginalItem)
	if !msg.CommittedAt.IsZero() {
		ev.CommittedAt = msg.CommittedAt.UTC()
	}
	return ev
}

func (e MutationEvent) ctx() context.Context {
	if e.Context == nil {
		return context.Background()
	}
	return e.Context
}

// EventType returns "<listkey>.<created|updated|deleted>".
func (e MutationEvent) EventType() string {
	return EventType(e.ListKey, e.Operation)
}

// ResourceID is the id of the mutated record, taken from the previous record
// for deletes. It is empty when the record carries no id.
func (e MutationEvent) ResourceID() string {
	record := e.Item
	if e.Operation == OperationDelete {
		record = e.OriginalItem
	}
	id, ok := record["id"]
	if !ok || id == nil {
		return ""
	}
	return fmt.Sprint(id)
}

func EventType(listKey string, op Operation) string {
	return strings.ToLower(listKey) + "." + pastTense(op)
}

func pastTense(op Operation) string {
	switch op {
	case OperationCreate:
		return "created"
	case OperationUpdate:
		return "updated"
	case OperationDelete:
		return "deleted"
	default:
		return string(op)
	}
}

// operationOf recovers the operation from an event type such as "order.updated".
func operationOf(eventType string) Operation {
	switch eventType[strings.LastIndex(eventType, ".")+1:] {
	case "created":
		return OperationCreate
	case "updated":
		return OperationUpdate
	case "deleted":
		return OperationDelete
	}
	return ""
}
