package render

import (
	"testing"

	"github.com/chatstream-dev/chatstream/pkg/packet"
)

func group(kinds ...packet.Kind) packet.Group {
	g := packet.Group{}
	for _, k := range kinds {
		g.Packets = append(g.Packets, packet.Packet{Obj: packet.Obj{Type: k}})
	}
	return g
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name         string
		group        packet.Group
		wantRenderer RendererID
		wantExtended bool
	}{
		{
			name:         "streaming text",
			group:        group(packet.KindMessageStart, packet.KindMessageDelta),
			wantRenderer: RendererText,
			wantExtended: false,
		},
		{
			name:         "completed text",
			group:        group(packet.KindMessageStart, packet.KindMessageDelta, packet.KindMessageEnd),
			wantRenderer: RendererText,
			wantExtended: true,
		},
		{
			name:         "search tool in flight",
			group:        group(packet.KindSearchToolStart, packet.KindSearchToolDelta),
			wantRenderer: RendererSearchTool,
			wantExtended: false,
		},
		{
			name:         "search tool done",
			group:        group(packet.KindSearchToolStart, packet.KindSearchToolEnd),
			wantRenderer: RendererSearchTool,
			wantExtended: true,
		},
		{
			name:         "image tool",
			group:        group(packet.KindImageToolStart),
			wantRenderer: RendererImageTool,
		},
		{
			name:         "custom tool",
			group:        group(packet.KindCustomToolStart, packet.KindCustomToolDelta),
			wantRenderer: RendererCustomTool,
		},
		{
			name:         "generic tool maps to custom renderer",
			group:        group(packet.KindToolStart, packet.KindToolEnd),
			wantRenderer: RendererCustomTool,
			wantExtended: true,
		},
		{
			name:         "reasoning",
			group:        group(packet.KindReasoningStart, packet.KindReasoningDelta),
			wantRenderer: RendererReasoning,
		},
		{
			name:         "sub questions",
			group:        group(packet.KindSubQuestion, packet.KindSubAnswer),
			wantRenderer: RendererSubQuestions,
		},
		{
			name:         "control only selects nothing",
			group:        group(packet.KindMessageIDInfo, packet.KindStop),
			wantRenderer: RendererNone,
		},
		{
			name:         "unknown kind selects nothing",
			group:        group(packet.KindUnknown),
			wantRenderer: RendererNone,
		},
		{
			name:         "leading control packet does not mask the tool",
			group:        group(packet.KindMessageIDInfo, packet.KindSearchToolStart),
			wantRenderer: RendererSearchTool,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := Select(tt.group)
			if sel.Renderer != tt.wantRenderer {
				t.Errorf("Renderer = %q, want %q", sel.Renderer, tt.wantRenderer)
			}
			if sel.Extended != tt.wantExtended {
				t.Errorf("Extended = %v, want %v", sel.Extended, tt.wantExtended)
			}
		})
	}
}

func TestSelectAllSkipsUnrenderable(t *testing.T) {
	groups := []packet.Group{
		group(packet.KindSearchToolStart, packet.KindSearchToolEnd),
		group(packet.KindMessageIDInfo),
		group(packet.KindMessageStart),
	}

	selections := SelectAll(groups)
	if len(selections) != 2 {
		t.Fatalf("got %d selections, want 2", len(selections))
	}
	if selections[0].Renderer != RendererSearchTool || selections[1].Renderer != RendererText {
		t.Errorf("selections = %+v", selections)
	}
}
