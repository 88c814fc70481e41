// Package schema holds the wire format of committed mutations fed to the
// webhook sidecar by brokers and the HTTP intake.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Operation is the kind of data mutation that was committed.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// MutationMessage is a committed mutation as published by the host application.
type MutationMessage struct {
	ListKey      string         `json:"listKey" validate:"required"`
	Operation    Operation      `json:"operation" validate:"required,oneof=create update delete"`
	Item         map[string]any `json:"item,omitempty"`
	OriginalItem map[string]any `json:"originalItem,omitempty"`
	CommittedAt  time.Time      `json:"committedAt,omitempty"`
}

var validate = validator.New()

// Validate checks that the message carries the records its operation needs.
func (m MutationMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return err
	}
	switch m.Operation {
	case OperationCreate, OperationUpdate:
		if m.Item == nil {
			return fmt.Errorf("item is required for %s", m.Operation)
		}
	case OperationDelete:
		if m.OriginalItem == nil {
			return errors.New("originalItem is required for delete")
		}
	}
	return nil
}

// DecodeMutation parses and validates a JSON mutation message. Numbers are kept
// as json.Number so large identifiers survive the round trip unchanged.
func DecodeMutation(data []byte) (MutationMessage, error) {
	var msg MutationMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return MutationMessage{}, fmt.Errorf("decode mutation: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return MutationMessage{}, fmt.Errorf("invalid mutation: %w", err)
	}
	if msg.CommittedAt.IsZero() {
		msg.CommittedAt = time.Now().UTC()
	}
	return msg, nil
}
