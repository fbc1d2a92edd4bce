package realtime

import "dispatch-core/internal/models"

// Subscription is the per-connection read state. It is owned by a single
// session goroutine and never shared.
type Subscription struct {
	OwnerID string
	// Topics is the filter; empty means all topics.
	Topics []string
	Cursor models.Cursor
}

// Wants reports whether an event tagged with topics should be delivered.
func (s *Subscription) Wants(topics []string) bool {
	if len(s.Topics) == 0 {
		return len(topics) > 0
	}
	for _, want := range s.Topics {
		for _, t := range topics {
			if want == t {
				return true
			}
		}
	}
	return false
}

// Advance moves the cursor to c if c is later. The cursor never moves back.
func (s *Subscription) Advance(c models.Cursor) {
	if s.Cursor.Before(c) {
		s.Cursor = c
	}
}

// TopicList returns the effective topic set for the ready frame.
func (s *Subscription) TopicList() []string {
	if len(s.Topics) == 0 {
		return AllTopics
	}
	return s.Topics
}
