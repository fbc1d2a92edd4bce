// Package realtime streams outbox events to browser clients over
// server-sent events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
	"dispatch-core/internal/telemetry"
)

// Frame names.
const (
	FrameReady  = "ready"
	FrameUpdate = "update"
	FramePing   = "ping"
)

// Options tunes a Gateway.
type Options struct {
	PollInterval time.Duration
	Heartbeat    time.Duration
	MaxLifetime  time.Duration
	BatchSize    int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 25 * time.Second
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// Gateway tails the outbox for each connected client. It holds no
// per-connection state; everything lives in the Subscription.
type Gateway struct {
	events store.EventStore
	opts   Options
	now    func() time.Time
	log    zerolog.Logger
}

func NewGateway(events store.EventStore, opts Options, log zerolog.Logger) *Gateway {
	return &Gateway{
		events: events,
		opts:   opts.withDefaults(),
		now:    time.Now,
		log:    log.With().Str("component", "realtime").Logger(),
	}
}

// Update is the data of an update frame.
type Update struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Topics        []string        `json:"topics"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Payload       json.RawMessage `json:"payload"`
}

type readyFrame struct {
	Topics []string `json:"topics"`
	Resume bool     `json:"resumed"`
}

type pingFrame struct {
	Time time.Time `json:"time"`
}

// LastEventID reads the resume position a reconnecting client sent.
func LastEventID(r *http.Request) string {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("lastEventId")
}

// Subscribe resolves where a new connection starts reading. A known
// lastEventID resumes right after that event; otherwise the stream starts
// at the current time and history is not replayed.
func (g *Gateway) Subscribe(ctx context.Context, ownerID string, topics []string, lastEventID string) (*Subscription, bool) {
	sub := &Subscription{
		OwnerID: ownerID,
		Topics:  topics,
		Cursor:  models.Cursor{CreatedAt: models.StoreTime(g.now())},
	}
	if lastEventID == "" {
		return sub, false
	}
	pos, err := g.events.EventPosition(ctx, ownerID, lastEventID)
	if err != nil {
		if !errors.Is(err, store.ErrEventNotFound) {
			g.log.Warn().Err(err).Str("owner_id", ownerID).Msg("resume lookup failed")
		}
		return sub, false
	}
	sub.Cursor = pos
	return sub, true
}

// Stream runs one session until ctx ends, the lifetime expires, or a write
// fails. Poll, heartbeat and lifetime are serviced by this goroutine alone,
// so a poll in progress always completes before the session ends and at
// most one batch is ever in flight.
func (g *Gateway) Stream(ctx context.Context, sink Sink, sub *Subscription, resumed bool) error {
	telemetry.StreamsActive.Inc()
	defer telemetry.StreamsActive.Dec()

	log := g.log.With().Str("owner_id", sub.OwnerID).Strs("topics", sub.TopicList()).Logger()
	log.Debug().Msg("stream opened")
	defer log.Debug().Msg("stream closed")

	if err := sink.Send(FrameReady, "", readyFrame{Topics: sub.TopicList(), Resume: resumed}); err != nil {
		return err
	}
	if resumed {
		if err := g.poll(ctx, sink, sub, log); err != nil {
			return err
		}
	}

	poll := time.NewTicker(g.opts.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(g.opts.Heartbeat)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(g.opts.MaxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lifetime.C:
			return nil
		case <-heartbeat.C:
			if err := sink.Send(FramePing, "", pingFrame{Time: g.now().UTC()}); err != nil {
				return err
			}
		case <-poll.C:
			if err := g.poll(ctx, sink, sub, log); err != nil {
				return err
			}
		}
	}
}

// poll reads at most one batch after the cursor; any backlog continues on
// the next tick. Store errors are logged and the session carries on; only
// write errors end it.
func (g *Gateway) poll(ctx context.Context, sink Sink, sub *Subscription, log zerolog.Logger) error {
	events, err := g.events.EventsAfter(ctx, sub.OwnerID, sub.Cursor, g.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.StreamPollErrors.Inc()
			log.Warn().Err(err).Msg("outbox poll failed")
		}
		return nil
	}
	for _, ev := range events {
		topics := Topics(ev.Type, ev.Payload)
		sub.Advance(ev.Position())
		if !sub.Wants(topics) {
			telemetry.StreamEventsSkipped.Inc()
			continue
		}
		update := Update{
			ID:            ev.ID,
			Type:          ev.Type,
			Topics:        topics,
			CorrelationID: ev.CorrelationID,
			CreatedAt:     ev.CreatedAt,
			Payload:       ev.Payload,
		}
		if err := sink.Send(FrameUpdate, ev.ID, update); err != nil {
			return err
		}
		telemetry.StreamEventsDelivered.Inc()
	}
	return nil
}
