package viewport

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "first paint jumps to bottom instantly",
			in: Input{
				MessageCount:   12,
				ContentHeight:  4000,
				ViewportHeight: 800,
				ScrollOffset:   3200,
				InputBarHeight: 60,
			},
			want: Decision{ScrollToBottom: true, MarkInitialScroll: true, BottomPadding: 60},
		},
		{
			name: "first paint of an empty session does nothing",
			in: Input{
				MessageCount:   0,
				ViewportHeight: 800,
			},
			want: Decision{},
		},
		{
			name: "streaming near bottom keeps following",
			in: Input{
				MessageCount:              3,
				Streaming:                 true,
				HasPerformedInitialScroll: true,
				ContentHeight:             2000,
				ViewportHeight:            800,
				ScrollOffset:              40,
			},
			want: Decision{ScrollToBottom: true, Smooth: true},
		},
		{
			name: "streaming while reading history pins the view",
			in: Input{
				MessageCount:              3,
				Streaming:                 true,
				HasPerformedInitialScroll: true,
				ContentHeight:             2000,
				ViewportHeight:            800,
				ScrollOffset:              900,
			},
			want: Decision{ShowJumpToBottom: true},
		},
		{
			name: "idle near bottom does not scroll",
			in: Input{
				MessageCount:              3,
				HasPerformedInitialScroll: true,
				ContentHeight:             2000,
				ViewportHeight:            800,
				ScrollOffset:              0,
			},
			want: Decision{},
		},
		{
			name: "short content never shows the jump affordance",
			in: Input{
				MessageCount:              1,
				HasPerformedInitialScroll: true,
				ContentHeight:             300,
				ViewportHeight:            800,
				ScrollOffset:              0,
			},
			want: Decision{},
		},
		{
			name: "custom buffer widens the follow zone",
			in: Input{
				MessageCount:              3,
				Streaming:                 true,
				HasPerformedInitialScroll: true,
				ContentHeight:             2000,
				ViewportHeight:            800,
				ScrollOffset:              400,
				BottomBuffer:              500,
			},
			want: Decision{ScrollToBottom: true, Smooth: true},
		},
		{
			name: "input bar height becomes bottom padding",
			in: Input{
				MessageCount:              3,
				HasPerformedInitialScroll: true,
				ContentHeight:             2000,
				ViewportHeight:            800,
				ScrollOffset:              0,
				InputBarHeight:            72,
			},
			want: Decision{BottomPadding: 72},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.in); got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
