package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"sixjars/internal/core"
)

// Inbound message types on the request queue. The upstream layer has
// already turned the user's words into structured batches; this wire
// format is the narrow contract between the two.
const (
	TypeBatchRequest  = "batch_request"
	TypeIncomeChanged = "income_changed"
)

// Batch kinds carried by a BatchRequestMessage.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// envelope wraps every inbound message with a type tag for dispatch.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BatchRequestMessage asks for one batched jar operation on one user.
// Exactly one of Creates/Updates/Deletes is populated, per Kind.
type BatchRequestMessage struct {
	UserID    string        `json:"user_id"`
	Kind      string        `json:"kind"`
	Creates   []CreateEntry `json:"creates,omitempty"`
	Updates   []UpdateEntry `json:"updates,omitempty"`
	Deletes   []string      `json:"deletes,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// CreateEntry mirrors core.CreateSpec with wire-friendly optionals.
type CreateEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Percent     *float64 `json:"percent,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
}

// UpdateEntry mirrors core.UpdateSpec.
type UpdateEntry struct {
	JarName        string   `json:"jar_name"`
	NewName        *string  `json:"new_name,omitempty"`
	NewDescription *string  `json:"new_description,omitempty"`
	NewPercent     *float64 `json:"new_percent,omitempty"`
	NewAmount      *float64 `json:"new_amount,omitempty"`
}

// IncomeChangedMessage reports a user's new total income. It triggers a
// full amount recompute sweep, never a rebalance.
type IncomeChangedMessage struct {
	UserID      string    `json:"user_id"`
	TotalIncome float64   `json:"total_income"`
	Timestamp   time.Time `json:"timestamp"`
}

// RebalancedEvent is published after every committed batch so the
// upstream layer can render a before/after summary to the user.
type RebalancedEvent struct {
	UserID    string        `json:"user_id"`
	Kind      string        `json:"kind"`
	Reason    string        `json:"reason,omitempty"`
	Exhausted bool          `json:"exhausted,omitempty"`
	Changes   []ChangeEntry `json:"changes"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChangeEntry is one jar's before/after allocation. Amounts travel as
// decimal strings to keep cents exact on the wire.
type ChangeEntry struct {
	Name          string  `json:"name"`
	BeforePercent float64 `json:"before_percent"`
	AfterPercent  float64 `json:"after_percent"`
	BeforeAmount  string  `json:"before_amount"`
	AfterAmount   string  `json:"after_amount"`
	Created       bool    `json:"created,omitempty"`
	Deleted       bool    `json:"deleted,omitempty"`
}

// NewRebalancedEvent converts a batch result into its wire event.
func NewRebalancedEvent(userID, kind, reason string, result *core.BatchResult) *RebalancedEvent {
	event := &RebalancedEvent{
		UserID:    userID,
		Kind:      kind,
		Reason:    reason,
		Exhausted: result.Exhausted,
		Timestamp: time.Now(),
	}
	for _, c := range result.Changes {
		event.Changes = append(event.Changes, ChangeEntry{
			Name:          c.Name,
			BeforePercent: c.BeforePercent,
			AfterPercent:  c.AfterPercent,
			BeforeAmount:  c.BeforeAmount.StringFixed(2),
			AfterAmount:   c.AfterAmount.StringFixed(2),
			Created:       c.Created,
			Deleted:       c.Deleted,
		})
	}
	return event
}

func (e *RebalancedEvent) toJSON() ([]byte, error) {
	return json.Marshal(e)
}

// decodeRequest unwraps an inbound envelope into its typed message.
func decodeRequest(body []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Type {
	case TypeBatchRequest:
		var msg BatchRequestMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal batch request: %w", err)
		}
		return &msg, nil
	case TypeIncomeChanged:
		var msg IncomeChangedMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal income change: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
