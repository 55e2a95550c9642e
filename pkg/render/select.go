// Package render decides how each packet group is displayed: which
// renderer owns the group and whether its compact streaming form or the
// extended completed form should show. It also enforces a minimum
// display duration so short-lived phases (a fast tool call, a brief
// reasoning burst) do not flicker in and out of the view.
package render

import (
	"github.com/chatstream-dev/chatstream/pkg/packet"
)

// RendererID names a renderer.
type RendererID string

const (
	RendererText         RendererID = "text"
	RendererSearchTool   RendererID = "search_tool"
	RendererImageTool    RendererID = "image_generation_tool"
	RendererCustomTool   RendererID = "custom_tool"
	RendererReasoning    RendererID = "reasoning"
	RendererSubQuestions RendererID = "sub_questions"

	// RendererNone marks groups nothing should render (pure control
	// packets, unknown kinds).
	RendererNone RendererID = ""
)

// Selection is the display decision for one packet group.
type Selection struct {
	Renderer RendererID
	// Extended selects the expanded completed form over the compact
	// streaming form.
	Extended bool
}

// rendererFor maps a packet kind to its renderer. Control kinds and
// unknown kinds map to none.
func rendererFor(k packet.Kind) RendererID {
	switch k {
	case packet.KindMessageStart, packet.KindMessageDelta, packet.KindMessageEnd,
		packet.KindCitationDelta:
		return RendererText
	case packet.KindSearchToolStart, packet.KindSearchToolDelta, packet.KindSearchToolEnd:
		return RendererSearchTool
	case packet.KindImageToolStart, packet.KindImageToolDelta, packet.KindImageToolEnd:
		return RendererImageTool
	case packet.KindToolStart, packet.KindToolDelta, packet.KindToolEnd,
		packet.KindCustomToolStart, packet.KindCustomToolDelta, packet.KindCustomToolEnd:
		return RendererCustomTool
	case packet.KindReasoningStart, packet.KindReasoningDelta:
		return RendererReasoning
	case packet.KindSubQuestion, packet.KindSubQuery, packet.KindSubAnswer,
		packet.KindSubDocuments:
		return RendererSubQuestions
	default:
		return RendererNone
	}
}

// Select picks the renderer for a packet group. The first packet with a
// renderable kind decides; a group of nothing but control packets
// selects no renderer. Completed groups render their extended form.
func Select(g packet.Group) Selection {
	for _, p := range g.Packets {
		if r := rendererFor(p.Obj.Type); r != RendererNone {
			return Selection{Renderer: r, Extended: g.IsComplete()}
		}
	}
	return Selection{Renderer: RendererNone}
}

// SelectAll maps every group of a stream to its selection, skipping
// groups that select no renderer.
func SelectAll(groups []packet.Group) []Selection {
	selections := make([]Selection, 0, len(groups))
	for _, g := range groups {
		if sel := Select(g); sel.Renderer != RendererNone {
			selections = append(selections, sel)
		}
	}
	return selections
}
