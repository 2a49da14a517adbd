package feed

import "strconv"

var categoryLabels = map[int]string{
	7:  "IT",
	12: "Games",
	16: "Music",
	19: "Photo",
	21: "Science",
	32: "Humor",
}

// CategoryLabel returns the human-readable name of a feed category, or the
// raw id for categories it does not know.
func CategoryLabel(id int) string {
	if label, ok := categoryLabels[id]; ok {
		return label
	}
	return strconv.Itoa(id)
}

// Session is the pagination and bookkeeping state of one poller.
// It is owned by that poller and not safe for concurrent use.
type Session struct {
	Cursor    string
	Votes     int
	Iteration int

	skipped map[string]struct{}
}

// NewSession returns a session positioned at the start of the feed
func NewSession() *Session {
	return &Session{skipped: make(map[string]struct{})}
}

// MarkSkipped records an already-rated item. It returns false when the item
// was recorded before.
func (s *Session) MarkSkipped(trackCode string) bool {
	if _, ok := s.skipped[trackCode]; ok {
		return false
	}
	s.skipped[trackCode] = struct{}{}
	return true
}

// Skipped returns the number of unique already-rated items seen
func (s *Session) Skipped() int {
	return len(s.skipped)
}

// Advance moves the cursor to next. An empty next means the feed ended:
// the cursor goes back to the start and the iteration counter increments.
// Reports whether the feed wrapped.
func (s *Session) Advance(next string) bool {
	if next != "" {
		s.Cursor = next
		return false
	}
	s.Cursor = ""
	s.Iteration++
	return true
}
