package amqp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"sixjars/internal/core"
)

func TestDecodeRequest(t *testing.T) {
	t.Run("batch request", func(t *testing.T) {
		body := []byte(`{
			"type": "batch_request",
			"payload": {
				"user_id": "u1",
				"kind": "create",
				"creates": [{"name": "vacation", "percent": 0.2}]
			}
		}`)
		msg, err := decodeRequest(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		req, ok := msg.(*BatchRequestMessage)
		if !ok {
			t.Fatalf("msg = %T, want *BatchRequestMessage", msg)
		}
		if req.UserID != "u1" || req.Kind != KindCreate {
			t.Fatalf("req = %+v", req)
		}
		if len(req.Creates) != 1 || req.Creates[0].Percent == nil || *req.Creates[0].Percent != 0.2 {
			t.Fatalf("creates = %+v", req.Creates)
		}
	})

	t.Run("income change", func(t *testing.T) {
		body := []byte(`{
			"type": "income_changed",
			"payload": {"user_id": "u1", "total_income": 2500}
		}`)
		msg, err := decodeRequest(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		income, ok := msg.(*IncomeChangedMessage)
		if !ok {
			t.Fatalf("msg = %T, want *IncomeChangedMessage", msg)
		}
		if income.TotalIncome != 2500 {
			t.Fatalf("income = %v", income.TotalIncome)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := decodeRequest([]byte(`{"type": "noop", "payload": {}}`)); err == nil {
			t.Fatal("expected an error for an unknown type")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		if _, err := decodeRequest([]byte(`not json`)); err == nil {
			t.Fatal("expected an error for a malformed body")
		}
	})

	t.Run("omitted optionals stay nil", func(t *testing.T) {
		body := []byte(`{
			"type": "batch_request",
			"payload": {
				"user_id": "u1",
				"kind": "update",
				"updates": [{"jar_name": "play", "new_name": "fun_money"}]
			}
		}`)
		msg, err := decodeRequest(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		req := msg.(*BatchRequestMessage)
		entry := req.Updates[0]
		if entry.NewName == nil || *entry.NewName != "fun_money" {
			t.Fatalf("new name = %v", entry.NewName)
		}
		if entry.NewPercent != nil || entry.NewAmount != nil {
			t.Fatal("absent fields must decode as nil, not zero")
		}
	})
}

func TestNewRebalancedEvent(t *testing.T) {
	result := &core.BatchResult{
		Exhausted: true,
		Changes: []core.JarChange{
			{
				Name:         "vacation",
				AfterPercent: 0.20,
				AfterAmount:  decimal.NewFromInt(200),
				BeforeAmount: decimal.Zero,
				Created:      true,
			},
			{
				Name:          "play",
				BeforePercent: 0.10,
				AfterPercent:  0.08,
				BeforeAmount:  decimal.NewFromInt(100),
				AfterAmount:   decimal.NewFromInt(80),
			},
		},
	}

	event := NewRebalancedEvent("u1", KindCreate, "saving up", result)
	if event.UserID != "u1" || event.Kind != KindCreate || event.Reason != "saving up" {
		t.Fatalf("event = %+v", event)
	}
	if !event.Exhausted {
		t.Fatal("exhausted flag dropped")
	}
	if len(event.Changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(event.Changes))
	}
	if event.Changes[0].AfterAmount != "200.00" {
		t.Fatalf("amount = %q, want fixed two decimals", event.Changes[0].AfterAmount)
	}
	if !event.Changes[0].Created || event.Changes[1].Created {
		t.Fatal("created flags mismatched")
	}

	body, err := event.toJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded RebalancedEvent
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Changes[1].BeforeAmount != "100.00" {
		t.Fatalf("round-tripped amount = %q", decoded.Changes[1].BeforeAmount)
	}
}

func TestExponentialBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := exponentialBackoff(tc.attempt); got != tc.want {
			t.Errorf("exponentialBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("Exception (504) Reason: \"channel/connection is not open\""), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("message channel closed: channel closed"), true},
		{errors.New("unmarshal envelope: invalid character"), false},
	}
	for _, tc := range cases {
		if got := isConnectionError(tc.err); got != tc.want {
			t.Errorf("isConnectionError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
