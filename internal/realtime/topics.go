package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Topics clients may subscribe to.
const (
	TopicTasks    = "tasks"
	TopicBoard    = "board"
	TopicMeetings = "meetings"
)

// AllTopics is the subscription allow-list.
var AllTopics = []string{TopicTasks, TopicBoard, TopicMeetings}

// ErrUnknownTopic is returned by ParseTopics for names outside AllTopics.
var ErrUnknownTopic = errors.New("unknown topic")

// ParseTopics parses a comma separated topic list. An empty list means every
// topic and is returned as nil.
func ParseTopics(raw string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if !validTopic(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func validTopic(name string) bool {
	for _, t := range AllTopics {
		if t == name {
			return true
		}
	}
	return false
}

type topicHints struct {
	Source    string          `json:"source"`
	MeetingID json.RawMessage `json:"meetingId"`
	TaskID    json.RawMessage `json:"taskId"`
}

// Topics derives the topics an event belongs to from its type prefix and a
// few payload hints. It is pure; unknown prefixes map to no topic.
func Topics(eventType string, payload json.RawMessage) []string {
	var hints topicHints
	if len(payload) > 0 {
		// undecodable payloads still route by type
		_ = json.Unmarshal(payload, &hints)
	}

	switch {
	case strings.HasPrefix(eventType, "task."):
		topics := []string{TopicTasks}
		if hints.Source == "meeting" || present(hints.MeetingID) {
			topics = append(topics, TopicMeetings)
		}
		return topics
	case strings.HasPrefix(eventType, "board."):
		topics := []string{TopicBoard}
		if present(hints.TaskID) {
			topics = append(topics, TopicTasks)
		}
		return topics
	case strings.HasPrefix(eventType, "meeting."):
		return []string{TopicMeetings}
	default:
		return nil
	}
}

func present(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s != "" && s != "null" && s != `""`
}
