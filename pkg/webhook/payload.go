package webhook

import (
	"encoding/json"
	"bytes"
	"fmt"
	"maps"
	"reflect"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Change is one entry of an update diff.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

type Changes map[string]Change

// Payload is the JSON body sent to every subscriber of an event.
type Payload struct {
	Event        string    `json:"event"`
	Timestamp    string    `json:"timestamp"`
	ListKey      string    `json:"listKey"`
	Operation    Operation `json:"operation"`
	Data         Record    `json:"data"`
	PreviousData Record    `json:"previousData,omitempty"`
	Changes      *Changes  `json:"changes,omitempty"`
}

// FormattedPayload is a serialized payload plus the routing details the
// delivery engine puts in headers and audit rows.
type FormattedPayload struct {
	EventType    string
	ListKey      string
	Operation    Operation
	ResourceType string
	ResourceID   string
	Body         []byte
}

type Formatter struct {
	enrichers *EnricherRegistry
	logger    logging.Logger
	now       func() time.Time
}

func NewFormatter(enrichers *EnricherRegistry, logger logging.Logger) *Formatter {
	return &Formatter{
		enrichers: enrichers,
		logger:    glog.Ensure(logger),
		now:       time.Now,
	}
}

// Format builds and serializes the payload of ev. The body is marshalled once
// so every subscriber receives the same bytes.
func (f *Formatter) Format(ev MutationEvent) (*FormattedPayload, error) {
	payload := Payload{
		Event:     ev.EventType(),
		Timestamp: f.now().UTC().Format(timestampLayout),
		ListKey:   ev.ListKey,
		Operation: ev.Operation,
	}

	switch ev.Operation {
	case OperationDelete:
		payload.Data = ev.OriginalItem
	case OperationUpdate:
		payload.Data = f.enrich(ev)
		payload.PreviousData = ev.OriginalItem
		changes := Diff(ev.OriginalItem, payload.Data)
		payload.Changes = &changes
	default:
		payload.Data = f.enrich(ev)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", payload.Event, err)
	}

	return &FormattedPayload{
		EventType:    payload.Event,
		ListKey:      ev.ListKey,
		Operation:    ev.Operation,
		ResourceType: ev.ListKey,
		ResourceID:   ev.ResourceID(),
		Body:         body,
	}, nil
}

// enrich runs the list's enricher on a copy of the new record. Any failure
// falls back to the record as committed.
func (f *Formatter) enrich(ev MutationEvent) (record Record) {
	record = ev.Item
	enricher, ok := f.enrichers.Lookup(ev.ListKey)
	if !ok {
		return record
	}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("enricher panicked, sending unenriched record", "list_key", ev.ListKey, "panic", r)
			record = ev.Item
		}
	}()

	enriched, err := enricher.Enrich(ev.ctx(), maps.Clone(ev.Item))
	if err != nil {
		f.logger.Warn("enrichment failed, sending unenriched record", "list_key", ev.ListKey, "error", err)
		return ev.Item
	}
	if enriched == nil {
		return ev.Item
	}
	return enriched
}

// Diff returns the top-level keys whose value differs between previous and
// current. A key present on one side only counts as null on the other. Values
// are compared by their JSON encoding, so 5, 5.0 and json.Number("5") are
// equal; Change keeps the values as given.
func Diff(previous, current Record) Changes {
	changes := Changes{}
	for key, to := range current {
		from := previous[key]
		if !reflect.DeepEqual(jsonValue(from), jsonValue(to)) {
			changes[key] = Change{From: from, To: to}
		}
	}
	for key, from := range previous {
		if _, ok := current[key]; ok {
			continue
		}
		if from != nil {
			changes[key] = Change{From: from, To: nil}
		}
	}
	return changes
}

// jsonValue decodes the JSON encoding of v with numbers kept as json.Number.
// Values that do not encode are returned unchanged.
func jsonValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
