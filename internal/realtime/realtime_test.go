package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dispatch-core/internal/models"
	"dispatch-core/internal/outbox"
	"dispatch-core/internal/store"
	"dispatch-core/internal/store/memory"
)

func TestTopics(t *testing.T) {
	cases := []struct {
		eventType string
		payload   string
		want      []string
	}{
		{models.EventTaskCreated, `{}`, []string{TopicTasks}},
		{models.EventTaskCreated, `{"source":"meeting"}`, []string{TopicTasks, TopicMeetings}},
		{models.EventTaskStatusChanged, `{"meetingId":"m1"}`, []string{TopicTasks, TopicMeetings}},
		{models.EventTaskStatusChanged, `{"meetingId":null}`, []string{TopicTasks}},
		{models.EventBoardItemUpdated, `{}`, []string{TopicBoard}},
		{models.EventBoardItemUpdated, `{"taskId":42}`, []string{TopicBoard, TopicTasks}},
		{models.EventMeetingIngested, `{"created":true}`, []string{TopicMeetings}},
		{models.EventTaskCreated, `not json`, []string{TopicTasks}},
		{"workspace.renamed", `{}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.eventType+" "+tc.payload, func(t *testing.T) {
			require.Equal(t, tc.want, Topics(tc.eventType, json.RawMessage(tc.payload)))
		})
	}
}

func TestParseTopics(t *testing.T) {
	got, err := ParseTopics("")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = ParseTopics(" Meetings, tasks,meetings ")
	require.NoError(t, err)
	require.Equal(t, []string{TopicMeetings, TopicTasks}, got)

	_, err = ParseTopics("tasks,people")
	require.ErrorIs(t, err, ErrUnknownTopic)
}

type frame struct {
	event string
	id    string
	data  any
}

type recordingSink struct {
	mu     sync.Mutex
	frames []frame
	fail   error
}

func (r *recordingSink) Send(event, id string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, frame{event: event, id: id, data: data})
	return nil
}

func (r *recordingSink) updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, f := range r.frames {
		if f.event == FrameUpdate {
			out = append(out, f.data.(Update))
		}
	}
	return out
}

func publishFive(t *testing.T, pub *outbox.Publisher) []models.DomainEvent {
	t.Helper()
	inputs := []outbox.Event{
		{Type: models.EventTaskCreated, Payload: map[string]string{"taskId": "t1", "source": "meeting"}},
		{Type: models.EventTaskStatusChanged, Payload: map[string]string{"taskId": "t2"}},
		{Type: models.EventBoardItemUpdated, Payload: map[string]string{"taskId": "t3"}},
		{Type: models.EventMeetingIngested, Payload: map[string]string{"meetingId": "m1"}},
		{Type: models.EventBoardItemUpdated, Payload: map[string]string{"column": "done"}},
	}
	var out []models.DomainEvent
	for _, in := range inputs {
		in.OwnerID = "owner-1"
		ev, err := pub.Publish(context.Background(), in)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestPollFiltersByTopicAndAdvancesPastSkipped(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	g := NewGateway(st, Options{}, zerolog.Nop())
	sub, resumed := g.Subscribe(ctx, "owner-1", []string{TopicMeetings}, "")
	require.False(t, resumed)

	events := publishFive(t, outbox.NewPublisher(st, 0, zerolog.Nop()))
	// another owner's event must never leak
	_, err := outbox.NewPublisher(st, 0, zerolog.Nop()).Publish(ctx, outbox.Event{Type: models.EventMeetingIngested, OwnerID: "owner-2"})
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, g.poll(ctx, sink, sub, zerolog.Nop()))

	got := sink.updates()
	require.Len(t, got, 2)
	require.Equal(t, events[0].ID, got[0].ID)
	require.Equal(t, []string{TopicTasks, TopicMeetings}, got[0].Topics)
	require.Equal(t, events[3].ID, got[1].ID)
	require.Equal(t, events[4].Position(), sub.Cursor)

	// nothing is redelivered on the next tick
	require.NoError(t, g.poll(ctx, sink, sub, zerolog.Nop()))
	require.Len(t, sink.updates(), 2)
}

func TestPollSourceAwareTaskRouting(t *testing.T) {
	inputs := []outbox.Event{
		{Type: models.EventTaskStatusChanged, Payload: map[string]string{"taskId": "t1", "source": "chat", "status": "done"}},
		{Type: models.EventTaskStatusChanged, Payload: map[string]string{"taskId": "t2", "source": "meeting", "status": "done"}},
		{Type: models.EventBoardItemUpdated, Payload: map[string]string{"column": "review"}},
	}

	cases := []struct {
		name   string
		topics []string
		want   []int
	}{
		{name: "meetings only", topics: []string{TopicMeetings}, want: []int{1}},
		{name: "tasks", topics: []string{TopicTasks}, want: []int{0, 1}},
		{name: "board", topics: []string{TopicBoard}, want: []int{2}},
		{name: "all topics", topics: nil, want: []int{0, 1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := memory.New()
			g := NewGateway(st, Options{}, zerolog.Nop())
			sub, _ := g.Subscribe(ctx, "owner-1", tc.topics, "")

			pub := outbox.NewPublisher(st, 0, zerolog.Nop())
			var events []models.DomainEvent
			for _, in := range inputs {
				in.OwnerID = "owner-1"
				ev, err := pub.Publish(ctx, in)
				require.NoError(t, err)
				events = append(events, ev)
			}

			sink := &recordingSink{}
			require.NoError(t, g.poll(ctx, sink, sub, zerolog.Nop()))

			var got []string
			for _, u := range sink.updates() {
				got = append(got, u.ID)
			}
			var want []string
			for _, i := range tc.want {
				want = append(want, events[i].ID)
			}
			require.Equal(t, want, got)
			require.Equal(t, events[2].Position(), sub.Cursor)
		})
	}
}

func TestPollDeliversOneBatchPerTick(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	g := NewGateway(st, Options{BatchSize: 2}, zerolog.Nop())
	sub := &Subscription{OwnerID: "owner-1"}

	events := publishFive(t, outbox.NewPublisher(st, 0, zerolog.Nop()))
	sink := &recordingSink{}

	for tick, want := range []int{2, 4, 5, 5} {
		require.NoError(t, g.poll(ctx, sink, sub, zerolog.Nop()))
		require.Len(t, sink.updates(), want, "after tick %d", tick+1)
	}
	require.Equal(t, events[4].Position(), sub.Cursor)

	got := sink.updates()
	for i := 1; i < len(got); i++ {
		prev := models.Cursor{CreatedAt: got[i-1].CreatedAt, ID: got[i-1].ID}
		cur := models.Cursor{CreatedAt: got[i].CreatedAt, ID: got[i].ID}
		require.True(t, prev.Before(cur), "updates must be strictly ordered")
	}
}

func TestSubscribeResumesFromLastEventID(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	g := NewGateway(st, Options{}, zerolog.Nop())
	events := publishFive(t, outbox.NewPublisher(st, 0, zerolog.Nop()))

	sub, resumed := g.Subscribe(ctx, "owner-1", nil, events[1].ID)
	require.True(t, resumed)
	require.Equal(t, events[1].Position(), sub.Cursor)

	sink := &recordingSink{}
	require.NoError(t, g.poll(ctx, sink, sub, zerolog.Nop()))
	require.Len(t, sink.updates(), 3)

	t.Run("unknown id starts at now", func(t *testing.T) {
		sub, resumed := g.Subscribe(ctx, "owner-1", nil, "does-not-exist")
		require.False(t, resumed)
		sink := &recordingSink{}
		require.NoError(t, g.poll(ctx, sink, sub, zerolog.Nop()))
		require.Empty(t, sink.updates())
	})

	t.Run("other owner's id is not honoured", func(t *testing.T) {
		_, resumed := g.Subscribe(ctx, "owner-2", nil, events[1].ID)
		require.False(t, resumed)
	})
}

func TestSubscriptionCursorNeverMovesBack(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{Cursor: models.Cursor{CreatedAt: t0, ID: "b"}}
	sub.Advance(models.Cursor{CreatedAt: t0, ID: "a"})
	require.Equal(t, "b", sub.Cursor.ID)
	sub.Advance(models.Cursor{CreatedAt: t0.Add(time.Second), ID: "a"})
	require.Equal(t, t0.Add(time.Second), sub.Cursor.CreatedAt)
}

type flakyEvents struct {
	store.EventStore
	mu    sync.Mutex
	fails int
}

func (f *flakyEvents) EventsAfter(ctx context.Context, owner string, after models.Cursor, limit int) ([]models.DomainEvent, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.EventStore.EventsAfter(ctx, owner, after, limit)
}

func TestStreamSurvivesPollErrors(t *testing.T) {
	st := memory.New()
	events := &flakyEvents{EventStore: st, fails: 2}
	g := NewGateway(events, Options{PollInterval: 5 * time.Millisecond, Heartbeat: time.Hour, MaxLifetime: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, _ := g.Subscribe(ctx, "owner-1", nil, "")
	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- g.Stream(ctx, sink, sub, false) }()

	_, err := outbox.NewPublisher(st, 0, zerolog.Nop()).Publish(ctx, outbox.Event{Type: models.EventTaskCreated, OwnerID: "owner-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.updates()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestStreamEndsAtMaxLifetimeAndOnWriteError(t *testing.T) {
	st := memory.New()
	g := NewGateway(st, Options{PollInterval: 5 * time.Millisecond, Heartbeat: 5 * time.Millisecond, MaxLifetime: 60 * time.Millisecond}, zerolog.Nop())
	sub, _ := g.Subscribe(context.Background(), "owner-1", nil, "")

	sink := &recordingSink{}
	start := time.Now()
	require.NoError(t, g.Stream(context.Background(), sink, sub, false))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, FrameReady, sink.frames[0].event)
	require.Equal(t, FramePing, sink.frames[len(sink.frames)-1].event)

	gone := errors.New("broken pipe")
	require.ErrorIs(t, g.Stream(context.Background(), &recordingSink{fail: gone}, sub, false), gone)
}

func TestSSEEndToEnd(t *testing.T) {
	st := memory.New()
	g := NewGateway(st, Options{PollInterval: 10 * time.Millisecond, Heartbeat: time.Hour, MaxLifetime: 5 * time.Second}, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topics, err := ParseTopics(r.URL.Query().Get("topics"))
		require.NoError(t, err)
		sub, resumed := g.Subscribe(r.Context(), "owner-1", topics, LastEventID(r))
		sink, err := NewSSEWriter(w, 1000)
		require.NoError(t, err)
		_ = g.Stream(r.Context(), sink, sub, resumed)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topics=meetings", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() map[string]string {
		out := map[string]string{}
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				if len(out) > 0 {
					return out
				}
				continue
			}
			key, value, _ := strings.Cut(line, ": ")
			out[key] = value
		}
	}

	require.Equal(t, "1000", readFrame()["retry"])
	require.Equal(t, FrameReady, readFrame()["event"])

	pub := outbox.NewPublisher(st, 0, zerolog.Nop())
	_, err = pub.Publish(ctx, outbox.Event{Type: models.EventTaskCreated, OwnerID: "owner-1"})
	require.NoError(t, err)
	ingested, err := pub.Publish(ctx, outbox.Event{Type: models.EventMeetingIngested, OwnerID: "owner-1", Payload: map[string]bool{"created": true}})
	require.NoError(t, err)

	f := readFrame()
	require.Equal(t, FrameUpdate, f["event"])
	require.Equal(t, ingested.ID, f["id"])
	var update Update
	require.NoError(t, json.Unmarshal([]byte(f["data"]), &update))
	require.Equal(t, models.EventMeetingIngested, update.Type)
	require.JSONEq(t, `{"created":true}`, string(update.Payload))
}
