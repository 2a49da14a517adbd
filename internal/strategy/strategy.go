package strategy

import "fmt"

// Action is the vote decision for a single feed item
type Action int

const (
	None Action = iota
	Upvote
	Downvote
)

// String returns a stable label used in logs and metrics
func (a Action) String() string {
	switch a {
	case Upvote:
		return "upvote"
	case Downvote:
		return "downvote"
	default:
		return "none"
	}
}

// Wire returns the value sent as new_vote to the remote API.
// None has no wire value.
func (a Action) Wire() string {
	switch a {
	case Upvote:
		return "+1"
	case Downvote:
		return "-1"
	default:
		return ""
	}
}

// Selector maps an item rating to a vote action
type Selector interface {
	SelectVote(rating int) Action
	String() string
}

// Strategy is a two-threshold voting policy.
// Ratings at or above UpvoteAt are upvoted, ratings at or below DownvoteAt
// are downvoted, everything in between is left alone.
type Strategy struct {
	Name       string `json:"name" yaml:"name"`
	UpvoteAt   int    `json:"upvoteAt" yaml:"upvote_at"`
	DownvoteAt int    `json:"downvoteAt" yaml:"downvote_at"`
}

// New builds a validated strategy
func New(name string, upvoteAt, downvoteAt int) (Strategy, error) {
	s := Strategy{Name: name, UpvoteAt: upvoteAt, DownvoteAt: downvoteAt}
	if err := s.Validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

// Validate checks the threshold invariant
func (s Strategy) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.DownvoteAt > s.UpvoteAt {
		return fmt.Errorf("strategy %s: downvote_at (%d) must not exceed upvote_at (%d)",
			s.Name, s.DownvoteAt, s.UpvoteAt)
	}
	return nil
}

// SelectVote returns the action for a rating. Upvote wins when both
// thresholds match, which only happens for degenerate UpvoteAt == DownvoteAt.
func (s Strategy) SelectVote(rating int) Action {
	switch {
	case rating >= s.UpvoteAt:
		return Upvote
	case rating <= s.DownvoteAt:
		return Downvote
	default:
		return None
	}
}

func (s Strategy) String() string {
	return s.Name
}
