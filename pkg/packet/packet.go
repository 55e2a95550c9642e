// Package packet defines the streaming protocol vocabulary for chat
// responses. A stream is a sequence of packets, each tagged with a logical
// group index and a typed payload. Packets sharing an index belong to the
// same rendering unit (one text run, one tool invocation) and must be
// assembled in arrival order.
package packet

import (
	"encoding/json"
	"sort"
	"strings"
)

// Kind identifies the payload type of a packet.
type Kind string

const (
	// Final-answer text phase.
	KindMessageStart Kind = "message_start"
	KindMessageDelta Kind = "message_delta"
	KindMessageEnd   Kind = "message_end"

	// Stream control.
	KindStop          Kind = "stop"
	KindError         Kind = "error"
	KindMessageIDInfo Kind = "message_id_info"
	KindSectionEnd    Kind = "section_end"

	// Generic tool invocation.
	KindToolStart Kind = "tool_start"
	KindToolDelta Kind = "tool_delta"
	KindToolEnd   Kind = "tool_end"

	// Search tool.
	KindSearchToolStart Kind = "search_tool_start"
	KindSearchToolDelta Kind = "search_tool_delta"
	KindSearchToolEnd   Kind = "search_tool_end"

	// Image generation tool.
	KindImageToolStart Kind = "image_generation_tool_start"
	KindImageToolDelta Kind = "image_generation_tool_delta"
	KindImageToolEnd   Kind = "image_generation_tool_end"

	// Custom (user-defined) tool.
	KindCustomToolStart Kind = "custom_tool_start"
	KindCustomToolDelta Kind = "custom_tool_delta"
	KindCustomToolEnd   Kind = "custom_tool_end"

	// Reasoning (thinking) phase.
	KindReasoningStart Kind = "reasoning_start"
	KindReasoningDelta Kind = "reasoning_delta"

	// Citations attached to the final answer.
	KindCitationDelta Kind = "citation_delta"

	// Agentic decomposition phase. These carry the sub-question fields and
	// are consumed by the subq aggregator rather than the text renderer.
	KindSubQuestion  Kind = "sub_question"
	KindSubQuery     Kind = "sub_query"
	KindSubAnswer    Kind = "sub_answer"
	KindSubDocuments Kind = "sub_documents"
	KindStreamFinish Kind = "stream_finish"

	// KindUnknown marks payloads whose tag was not recognized. Unknown
	// packets classify as ignore so new server-side packet kinds degrade
	// gracefully instead of crashing the stream.
	KindUnknown Kind = ""
)

// Document is a reference to a retrieved document, used for citations and
// search tool results.
type Document struct {
	ID    string  `json:"document_id"`
	Title string  `json:"semantic_identifier,omitempty"`
	Link  string  `json:"link,omitempty"`
	Blurb string  `json:"blurb,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// Obj is the payload of a packet. It is a closed union discriminated by
// Type; only the fields relevant to a given kind are populated. Optional
// numeric fields use pointers so "absent" and "zero" stay distinguishable,
// which the legacy-shape adapter and the sub-question fold both rely on.
type Obj struct {
	Type Kind `json:"type"`

	// Content carries text for message, reasoning and tool delta kinds.
	Content string `json:"content,omitempty"`

	// Tool invocation fields.
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`

	// Citation fields.
	CitationNum int    `json:"citation_num,omitempty"`
	DocumentID  string `json:"document_id,omitempty"`

	// Error fields.
	ErrorMsg   string `json:"error,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`

	// Server-assigned ids, sent once at the head of a stream.
	UserMessageID              *int64 `json:"user_message_id,omitempty"`
	ReservedAssistantMessageID *int64 `json:"reserved_assistant_message_id,omitempty"`

	// Sub-question decomposition fields.
	Level            *int       `json:"level,omitempty"`
	LevelQuestionNum *int       `json:"level_question_num,omitempty"`
	SubQuestion      string     `json:"sub_question,omitempty"`
	SubQuery         string     `json:"sub_query,omitempty"`
	QueryID          int        `json:"query_id,omitempty"`
	AnswerPiece      string     `json:"answer_piece,omitempty"`
	StopReason       string     `json:"stop_reason,omitempty"`
	StreamType       string     `json:"stream_type,omitempty"`
	TopDocuments     []Document `json:"top_documents,omitempty"`
}

// Packet is one unit of the streamed protocol.
type Packet struct {
	Ind int `json:"ind"`
	Obj Obj `json:"obj"`
}

// Class is the result of classifying a packet. Exactly one of the flags is
// set for known kinds; all are false for kinds the renderer ignores.
type Class struct {
	IsTool    bool
	IsChat    bool
	IsControl bool
}

var toolKinds = map[Kind]bool{
	KindToolStart: true, KindToolDelta: true, KindToolEnd: true,
	KindSearchToolStart: true, KindSearchToolDelta: true, KindSearchToolEnd: true,
	KindImageToolStart: true, KindImageToolDelta: true, KindImageToolEnd: true,
	KindCustomToolStart: true, KindCustomToolDelta: true, KindCustomToolEnd: true,
	KindReasoningStart: true, KindReasoningDelta: true,
	KindSectionEnd: true,
}

var chatKinds = map[Kind]bool{
	KindMessageStart: true, KindMessageDelta: true, KindMessageEnd: true,
	KindCitationDelta: true,
}

var controlKinds = map[Kind]bool{
	KindStop: true, KindError: true, KindMessageIDInfo: true,
}

// Classify reports which pipeline a packet belongs to. It never fails:
// unrecognized kinds (including sub-question kinds, which the aggregator
// consumes separately) return a zero Class and are skipped by renderers.
func Classify(p Packet) Class {
	return Class{
		IsTool:    toolKinds[p.Obj.Type],
		IsChat:    chatKinds[p.Obj.Type],
		IsControl: controlKinds[p.Obj.Type],
	}
}

// Group is a run of packets sharing one logical index.
type Group struct {
	Ind     int
	Packets []Packet
}

// IsComplete reports whether the group has received a terminal packet.
// A group with no terminal is still in progress.
func (g Group) IsComplete() bool {
	for _, p := range g.Packets {
		switch p.Obj.Type {
		case KindMessageEnd, KindToolEnd, KindSearchToolEnd, KindImageToolEnd,
			KindCustomToolEnd, KindSectionEnd, KindStop:
			return true
		}
	}
	return false
}

// GroupByInd groups packets by their logical index, preserving arrival
// order within each group. Groups are returned in ascending index order.
// Indexes are monotonically non-decreasing across a well-formed stream but
// not necessarily contiguous.
func GroupByInd(packets []Packet) []Group {
	byInd := make(map[int]int, 8) // ind -> position in groups
	groups := make([]Group, 0, 8)

	for _, p := range packets {
		idx, ok := byInd[p.Ind]
		if !ok {
			idx = len(groups)
			byInd[p.Ind] = idx
			groups = append(groups, Group{Ind: p.Ind})
		}
		groups[idx].Packets = append(groups[idx].Packets, p)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Ind < groups[j].Ind
	})
	return groups
}

// IsStreamingComplete reports whether the stream has delivered its stop
// packet.
func IsStreamingComplete(packets []Packet) bool {
	for _, p := range packets {
		if p.Obj.Type == KindStop {
			return true
		}
	}
	return false
}

// IsFinalAnswerComing reports whether the tool phase has handed off to the
// final-answer phase.
func IsFinalAnswerComing(packets []Packet) bool {
	for _, p := range packets {
		if p.Obj.Type == KindMessageStart {
			return true
		}
	}
	return false
}

// ExtractText concatenates the final-answer text carried by the packets in
// arrival order. It is a pure function of its input so callers can
// re-derive the text from scratch after a reset.
func ExtractText(packets []Packet) string {
	var b strings.Builder
	for _, p := range packets {
		switch p.Obj.Type {
		case KindMessageStart, KindMessageDelta:
			b.WriteString(p.Obj.Content)
		}
	}
	return b.String()
}
