package packet

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeTaggedShape(t *testing.T) {
	raw := json.RawMessage(`{"ind": 2, "obj": {"type": "message_delta", "content": "hi"}}`)

	p, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if p.Ind != 2 {
		t.Errorf("Ind = %d, want 2", p.Ind)
	}
	if p.Obj.Type != KindMessageDelta || p.Obj.Content != "hi" {
		t.Errorf("Obj = %+v, want message_delta/hi", p.Obj)
	}
}

func TestNormalizeUnknownTagPreserved(t *testing.T) {
	raw := json.RawMessage(`{"ind": 0, "obj": {"type": "future_packet_kind"}}`)

	p, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if p.Obj.Type != Kind("future_packet_kind") {
		t.Errorf("Type = %q, want future_packet_kind", p.Obj.Type)
	}
	// Unknown tags survive normalization but classify as ignore.
	if got := Classify(p); got != (Class{}) {
		t.Errorf("Classify() = %+v, want zero", got)
	}
}

func TestNormalizeLegacyShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"answer piece", `{"answer_piece": "partial"}`, KindMessageDelta},
		{"sub answer", `{"answer_piece": "x", "level": 0, "level_question_num": 1}`, KindSubAnswer},
		{"sub question", `{"sub_question": "why", "level": 0, "level_question_num": 1}`, KindSubQuestion},
		{"sub query", `{"sub_query": "terms", "query_id": 1, "level": 0, "level_question_num": 1}`, KindSubQuery},
		{"stop reason", `{"stop_reason": "finished", "level": 0, "level_question_num": 1}`, KindStreamFinish},
		{"top documents", `{"top_documents": [{"document_id": "d1"}]}`, KindSearchToolDelta},
		{"sub documents", `{"top_documents": [{"document_id": "d1"}], "level": 0, "level_question_num": 1}`, KindSubDocuments},
		{"tool start", `{"tool_name": "lookup"}`, KindCustomToolStart},
		{"tool result", `{"tool_name": "lookup", "tool_result": {"rows": 3}}`, KindCustomToolEnd},
		{"error", `{"error": "boom", "stack_trace": "at line 1"}`, KindError},
		{"message ids", `{"user_message_id": 10, "reserved_assistant_message_id": 11}`, KindMessageIDInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Normalize(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if p.Obj.Type != tt.want {
				t.Errorf("Type = %q, want %q", p.Obj.Type, tt.want)
			}
		})
	}
}

func TestNormalizeLegacyAnswerPieceContent(t *testing.T) {
	p, err := Normalize(json.RawMessage(`{"answer_piece": "partial text"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if p.Obj.Content != "partial text" {
		t.Errorf("Content = %q, want the answer piece text", p.Obj.Content)
	}
	if got := ExtractText([]Packet{p}); got != "partial text" {
		t.Errorf("ExtractText() = %q, want %q", got, "partial text")
	}
}

func TestNormalizeUntyped(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"mystery_field": true}`))
	if !errors.Is(err, ErrUntyped) {
		t.Errorf("Normalize() error = %v, want ErrUntyped", err)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"ind": `))
	if err == nil {
		t.Error("Normalize() of malformed JSON should fail")
	}
}

func TestNormalizeMessageIDInfo(t *testing.T) {
	p, err := Normalize(json.RawMessage(`{"user_message_id": 42, "reserved_assistant_message_id": 43}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if p.Obj.UserMessageID == nil || *p.Obj.UserMessageID != 42 {
		t.Errorf("UserMessageID = %v, want 42", p.Obj.UserMessageID)
	}
	if p.Obj.ReservedAssistantMessageID == nil || *p.Obj.ReservedAssistantMessageID != 43 {
		t.Errorf("ReservedAssistantMessageID = %v, want 43", p.Obj.ReservedAssistantMessageID)
	}
}
