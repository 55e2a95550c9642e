// Package viewport derives scroll behavior for the conversation view.
// Decisions are pure: the caller feeds the current geometry and
// streaming state, and gets back what to do — no timers, no side
// effects, so every policy is unit-testable.
package viewport

// DefaultBottomBuffer is how close to the bottom (in pixels/rows of the
// host's unit) the view must be for streaming output to keep
// auto-scrolling. Scrolled up further than this, the user is reading
// history and auto-scroll must not fight them.
const DefaultBottomBuffer = 100

// Input is the observable state a scroll decision depends on.
type Input struct {
	// ScrollOffset is the distance from the bottom of the content, 0
	// when fully scrolled down.
	ScrollOffset int
	// ViewportHeight and ContentHeight describe the view geometry.
	ViewportHeight int
	ContentHeight  int
	// InputBarHeight is the height of the composer overlaying the
	// bottom of the view.
	InputBarHeight int

	// MessageCount is the number of rendered messages.
	MessageCount int
	// Streaming reports whether new content is arriving.
	Streaming bool
	// HasPerformedInitialScroll is the session's first-paint memory,
	// kept in the session store so revisiting a session does not
	// re-fire the initial jump.
	HasPerformedInitialScroll bool

	// BottomBuffer overrides DefaultBottomBuffer when positive.
	BottomBuffer int
}

// Decision is what the view should do this frame.
type Decision struct {
	// ScrollToBottom requests a jump to the newest content.
	ScrollToBottom bool
	// Smooth selects animated scrolling over an instant jump. The
	// initial placement is always instant.
	Smooth bool
	// MarkInitialScroll tells the caller to record first-paint scroll
	// as done in the session store.
	MarkInitialScroll bool
	// ShowJumpToBottom displays the jump-to-bottom affordance.
	ShowJumpToBottom bool
	// BottomPadding keeps the last message clear of the input bar.
	BottomPadding int
}

// Decide computes the scroll behavior for the current frame.
//
// Auto-scroll fires only on first paint or while the user is near the
// bottom; reading history pins the view and offers the jump affordance
// instead.
func Decide(in Input) Decision {
	buffer := in.BottomBuffer
	if buffer <= 0 {
		buffer = DefaultBottomBuffer
	}

	d := Decision{BottomPadding: in.InputBarHeight}

	scrollable := in.ContentHeight > in.ViewportHeight
	nearBottom := in.ScrollOffset <= buffer

	// First paint of a non-empty session lands on the newest message.
	if !in.HasPerformedInitialScroll && in.MessageCount > 0 {
		d.ScrollToBottom = true
		d.MarkInitialScroll = true
		return d
	}

	if in.Streaming && nearBottom {
		d.ScrollToBottom = true
		d.Smooth = true
	}

	if scrollable && !nearBottom {
		d.ShowJumpToBottom = true
	}

	return d
}
