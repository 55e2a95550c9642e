package packet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUntyped is returned when a payload carries neither a type tag nor any
// recognized legacy field. Callers drop such packets with a diagnostic; the
// stream itself keeps going.
var ErrUntyped = errors.New("packet payload has no type tag and no recognized legacy field")

// Normalize converts one raw stream payload into canonical form. It accepts
// both the current tagged shape {"ind": N, "obj": {"type": ...}} and the
// legacy flat shapes ({"answer_piece": ...}, {"top_documents": ...},
// {"tool_name": ...}, ...) still emitted during the protocol migration.
// Everything downstream of this function only ever sees the tagged union.
func Normalize(raw json.RawMessage) (Packet, error) {
	var envelope struct {
		Ind int              `json:"ind"`
		Obj *json.RawMessage `json:"obj"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Packet{}, fmt.Errorf("decode packet: %w", err)
	}

	payload := raw
	if envelope.Obj != nil {
		payload = *envelope.Obj
	}

	var obj Obj
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Packet{}, fmt.Errorf("decode packet payload: %w", err)
	}

	if obj.Type == KindUnknown {
		obj = adaptLegacy(obj)
	}
	if obj.Type == KindUnknown {
		return Packet{}, ErrUntyped
	}

	return Packet{Ind: envelope.Ind, Obj: obj}, nil
}

// adaptLegacy maps a flat untagged payload onto the tagged union by duck
// typing on field presence. Field priority mirrors the server's historical
// emit order: ids and errors first, then decomposition fields, then plain
// answer text, then retrieval and tool shapes.
func adaptLegacy(obj Obj) Obj {
	switch {
	case obj.ErrorMsg != "":
		obj.Type = KindError

	case obj.UserMessageID != nil || obj.ReservedAssistantMessageID != nil:
		obj.Type = KindMessageIDInfo

	case obj.StopReason != "":
		obj.Type = KindStreamFinish

	case obj.SubQuery != "":
		obj.Type = KindSubQuery

	case obj.SubQuestion != "":
		obj.Type = KindSubQuestion

	case obj.AnswerPiece != "":
		if obj.Level != nil || obj.LevelQuestionNum != nil {
			obj.Type = KindSubAnswer
		} else {
			obj.Type = KindMessageDelta
			obj.Content = obj.AnswerPiece
		}

	case len(obj.TopDocuments) > 0:
		if obj.Level != nil {
			obj.Type = KindSubDocuments
		} else {
			obj.Type = KindSearchToolDelta
		}

	case obj.ToolName != "":
		if len(obj.ToolResult) > 0 {
			obj.Type = KindCustomToolEnd
		} else {
			obj.Type = KindCustomToolStart
		}
	}

	return obj
}
