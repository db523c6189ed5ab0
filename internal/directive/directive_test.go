package directive

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

func TestParse_UnknownKind(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"type":"launch_rockets"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
	_, err = Parse(json.RawMessage(`{"title":"no type"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("missing type: err = %v, want ErrUnknownKind", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse(json.RawMessage(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Parse(json.RawMessage(`{"type":"reprioritize","ticket_id":42}`)); err == nil {
		t.Fatal("expected field decode error")
	}
}

func TestParse_EveryKind(t *testing.T) {
	id := uuid.New().String()
	other := uuid.New().String()
	tests := []struct {
		raw  string
		kind Kind
	}{
		{`{"type":"create_ticket","title":"Add login","priority":"P1","operation_type":"code_generation"}`, KindCreateTicket},
		{`{"type":"escalate","ticket_id":"` + id + `","reason":"stuck"}`, KindEscalate},
		{`{"type":"log","message":"all good"}`, KindLog},
		{`{"type":"dispatch_agent","ticket_id":"` + id + `","agent":"coder"}`, KindDispatchAgent},
		{`{"type":"reprioritize","ticket_id":"` + id + `","priority":"P1"}`, KindReprioritize},
		{`{"type":"reorder_queue","team":"planning","ticket_ids":["` + id + `"]}`, KindReorderQueue},
		{`{"type":"hold_ticket","ticket_id":"` + id + `","resource":"model-B","timeout_seconds":60}`, KindHoldTicket},
		{`{"type":"update_notepad","content":"watch planning"}`, KindUpdateNotepad},
		{`{"type":"cancel_ticket","ticket_id":"` + id + `"}`, KindCancelTicket},
		{`{"type":"move_to_queue","ticket_id":"` + id + `","team":"verification"}`, KindMoveToQueue},
		{`{"type":"update_slot_allocation","allocations":{"planning":2}}`, KindUpdateSlotAllocation},
		{`{"type":"assign_task","agent":"researcher","title":"Find docs","criteria":{"method":"substring_match","value":"README"}}`, KindAssignTask},
		{`{"type":"escalate_to_boss","ticket_id":"` + id + `","reason":"unclear"}`, KindEscalateToBoss},
		{`{"type":"call_support_agent","ticket_id":"` + id + `","agent":"dba","message":"check index","async":true}`, KindCallSupportAgent},
		{`{"type":"block_ticket","ticket_id":"` + id + `","blocked_by":"` + other + `"}`, KindBlockTicket},
		{`{"type":"save_document","title":"Runbook","content":"..."}`, KindSaveDocument},
		{`{"type":"add_note","ticket_id":"` + id + `","note":"use v2 api"}`, KindAddNote},
		{`{"type":"add_reference","ticket_id":"` + id + `","reference":"https://example.com/doc"}`, KindAddReference},
		{`{"type":"update_stage","ticket_id":"` + id + `","stage":"review"}`, KindUpdateStage},
	}
	if len(tests) != len(Kinds()) {
		t.Fatalf("test covers %d kinds, package defines %d", len(tests), len(Kinds()))
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d, err := Parse(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if d.Kind() != tt.kind {
				t.Errorf("kind = %q, want %q", d.Kind(), tt.kind)
			}
		})
	}
}

func TestParse_ReturnsValues(t *testing.T) {
	id := uuid.New()
	d, err := Parse(json.RawMessage(`{"type":"REPRIORITIZE","ticket_id":"` + id.String() + `","priority":"P2"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, ok := d.(Reprioritize)
	if !ok {
		t.Fatalf("got %T, want Reprioritize value", d)
	}
	if r.TicketID != id || r.Priority != ticket.P2 {
		t.Errorf("fields = %+v", r)
	}
}

func TestParse_Validation(t *testing.T) {
	id := uuid.New().String()
	bad := []string{
		`{"type":"create_ticket"}`,
		`{"type":"create_ticket","title":"x","priority":"P7"}`,
		`{"type":"escalate"}`,
		`{"type":"log","message":"x","level":"loud"}`,
		`{"type":"reorder_queue","team":"marketing","ticket_ids":["` + id + `"]}`,
		`{"type":"hold_ticket","ticket_id":"` + id + `"}`,
		`{"type":"update_slot_allocation","allocations":{"planning":-1}}`,
		`{"type":"assign_task","agent":"a","title":"t","criteria":{"method":"vibes"}}`,
		`{"type":"assign_task","agent":"a","title":"t","criteria":{"method":"file_exists"}}`,
		`{"type":"block_ticket","ticket_id":"` + id + `","blocked_by":"` + id + `"}`,
		`{"type":"call_support_agent","ticket_id":"` + id + `"}`,
		`{"type":"update_stage","ticket_id":"` + id + `"}`,
	}
	for _, raw := range bad {
		_, err := Parse(json.RawMessage(raw))
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%s) = %v, want ErrInvalid", raw, err)
		}
	}
}

func TestParseAll_SkipsInvalid(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"type":"log","message":"one"}`),
		json.RawMessage(`{"type":"teleport"}`),
		json.RawMessage(`{"type":"update_notepad","content":"two"}`),
	}
	ds, errs := ParseAll(raws)
	if len(ds) != 2 {
		t.Fatalf("parsed %d, want 2", len(ds))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrUnknownKind) {
		t.Errorf("errs = %v", errs)
	}
	if ds[1].Kind() != KindUpdateNotepad {
		t.Errorf("order not preserved: %q", ds[1].Kind())
	}
}
