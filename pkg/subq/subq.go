// Package subq folds the fine-grained decomposition packets emitted during
// an agentic (deep research) turn into structured sub-question records.
// The fold is a pure reducer: state in, packet in, new state out. Updates
// are copy-on-write so downstream memoization can rely on reference
// inequality to detect change.
package subq

import (
	"github.com/chatstream-dev/chatstream/pkg/packet"
)

// SubQuery is one search query issued on behalf of a sub-question.
type SubQuery struct {
	Query   string   `json:"query"`
	QueryID int      `json:"query_id"`
	DocIDs  []string `json:"doc_ids,omitempty"`
}

// ContextDocs holds the documents retrieved for a sub-question.
type ContextDocs struct {
	TopDocuments []packet.Document `json:"top_documents"`
}

// Detail is one decomposed sub-question with its accumulated state.
// Identity is the (Level, LevelQuestionNum) pair; records are created on
// first reference and refined by accumulation as later deltas arrive.
type Detail struct {
	Level            int          `json:"level"`
	LevelQuestionNum int          `json:"level_question_nr"`
	Question         string       `json:"question"`
	Answer           string       `json:"answer"`
	SubQueries       []SubQuery   `json:"sub_queries,omitempty"`
	ContextDocs      *ContextDocs `json:"context_docs,omitempty"`
	IsComplete       bool         `json:"is_complete,omitempty"`
	IsStopped        bool         `json:"is_stopped,omitempty"`
	AnswerStreaming  bool         `json:"answer_streaming,omitempty"`
}

// streamTypeSubAnswer is the stop_reason stream discriminator for the
// per-sub-question answer stream (as opposed to the question stream).
const streamTypeSubAnswer = "sub_answer"

// Fold applies one packet to the sub-question state and returns the new
// state. Packets that carry no decomposition fields leave the state
// untouched (same slice returned). A level_question_num of zero is the
// server's sentinel for "top level, no decomposition" and is ignored
// wholesale rather than materialized as a spurious record.
func Fold(state []Detail, p packet.Packet) []Detail {
	obj := p.Obj

	if obj.Level == nil || obj.LevelQuestionNum == nil {
		return state
	}
	if *obj.LevelQuestionNum == 0 {
		return state
	}

	level, num := *obj.Level, *obj.LevelQuestionNum

	switch {
	case obj.StopReason != "":
		return mutate(state, level, num, false, func(d *Detail) {
			if obj.StreamType == streamTypeSubAnswer {
				d.AnswerStreaming = false
			} else {
				d.IsComplete = true
				d.IsStopped = true
			}
		})

	case len(obj.TopDocuments) > 0:
		return mutate(state, level, num, true, func(d *Detail) {
			docs := make([]packet.Document, len(obj.TopDocuments))
			copy(docs, obj.TopDocuments)
			d.ContextDocs = &ContextDocs{TopDocuments: docs}
		})

	case obj.AnswerPiece != "":
		return mutate(state, level, num, true, func(d *Detail) {
			d.Answer += obj.AnswerPiece
			d.AnswerStreaming = true
		})

	case obj.SubQuery != "":
		// A sub-query may arrive before its question packet; the
		// placeholder it creates is the record later question deltas
		// append into.
		return mutate(state, level, num, true, func(d *Detail) {
			idx := -1
			for i, q := range d.SubQueries {
				if q.QueryID == obj.QueryID {
					idx = i
					break
				}
			}
			if idx < 0 {
				d.SubQueries = append(d.SubQueries, SubQuery{QueryID: obj.QueryID})
				idx = len(d.SubQueries) - 1
			}
			d.SubQueries[idx].Query += obj.SubQuery
		})

	case obj.SubQuestion != "":
		return mutate(state, level, num, true, func(d *Detail) {
			d.Question += obj.SubQuestion
		})
	}

	return state
}

// AllTopLevelStopped reports whether every level-0 sub-question has been
// individually stopped. The error-handling policy uses this to decide
// whether a mid-stream error supersedes the whole turn or attaches to the
// partial answer.
func AllTopLevelStopped(state []Detail) bool {
	for _, d := range state {
		if d.Level == 0 && !d.IsStopped {
			return false
		}
	}
	return true
}

// mutate returns a copy of state with fn applied to the record keyed by
// (level, num). When the record is absent it is created first if create is
// set, otherwise the state is returned unchanged. The record and its inner
// slices are cloned before fn runs so prior states stay intact.
func mutate(state []Detail, level, num int, create bool, fn func(*Detail)) []Detail {
	idx := -1
	for i, d := range state {
		if d.Level == level && d.LevelQuestionNum == num {
			idx = i
			break
		}
	}

	if idx < 0 {
		if !create {
			return state
		}
		next := make([]Detail, len(state), len(state)+1)
		copy(next, state)
		next = append(next, Detail{Level: level, LevelQuestionNum: num})
		fn(&next[len(next)-1])
		return next
	}

	next := make([]Detail, len(state))
	copy(next, state)

	d := next[idx]
	if d.SubQueries != nil {
		queries := make([]SubQuery, len(d.SubQueries))
		copy(queries, d.SubQueries)
		d.SubQueries = queries
	}
	fn(&d)
	next[idx] = d
	return next
}
