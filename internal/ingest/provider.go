package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMalformedBody   = errors.New("malformed webhook body")
)

// Recording is the provider-neutral view of a delivery.
type Recording struct {
	ExternalID      string
	Title           string
	URL             string
	ShareURL        string
	RecordedAt      *time.Time
	DurationSeconds int
	Summary         string
	Raw             json.RawMessage
}

// Provider parses one provider's webhook bodies.
type Provider interface {
	Name() string
	Parse(body []byte) (Recording, error)
}

// Providers maps names to parsers.
type Providers map[string]Provider

// DefaultProviders returns every built-in provider.
func DefaultProviders() Providers {
	f := Fathom{}
	return Providers{f.Name(): f}
}

func (p Providers) Get(name string) (Provider, error) {
	prov, ok := p[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return prov, nil
}

// FlexibleID accepts ids sent as JSON numbers or strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*f = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexibleID(n.String())
	return nil
}

// Fathom parses Fathom "new meeting content ready" webhooks.
type Fathom struct{}

type fathomPayload struct {
	RecordingID        FlexibleID `json:"recording_id"`
	ID                 FlexibleID `json:"id"`
	Title              string     `json:"title"`
	MeetingTitle       string     `json:"meeting_title"`
	URL                string     `json:"url"`
	ShareURL           string     `json:"share_url"`
	CreatedAt          *time.Time `json:"created_at"`
	RecordingStartTime *time.Time `json:"recording_start_time"`
	RecordingEndTime   *time.Time `json:"recording_end_time"`
	DefaultSummary     *struct {
		MarkdownFormatted string `json:"markdown_formatted"`
	} `json:"default_summary"`
}

func (Fathom) Name() string { return "fathom" }

func (Fathom) Parse(body []byte) (Recording, error) {
	var p fathomPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Recording{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	id := p.RecordingID
	if id == "" {
		id = p.ID
	}
	if id == "" {
		return Recording{}, fmt.Errorf("%w: recording_id is required", ErrMalformedBody)
	}

	rec := Recording{
		ExternalID: string(id),
		Title:      p.Title,
		URL:        p.URL,
		ShareURL:   p.ShareURL,
		Raw:        json.RawMessage(body),
	}
	if rec.Title == "" {
		rec.Title = p.MeetingTitle
	}
	switch {
	case p.RecordingStartTime != nil:
		rec.RecordedAt = p.RecordingStartTime
	case p.CreatedAt != nil:
		rec.RecordedAt = p.CreatedAt
	}
	if p.RecordingStartTime != nil && p.RecordingEndTime != nil && p.RecordingEndTime.After(*p.RecordingStartTime) {
		rec.DurationSeconds = int(p.RecordingEndTime.Sub(*p.RecordingStartTime).Seconds())
	}
	if p.DefaultSummary != nil {
		rec.Summary = p.DefaultSummary.MarkdownFormatted
	}
	return rec, nil
}
