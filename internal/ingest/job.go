package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"dispatch-core/internal/models"
	"dispatch-core/internal/worker"
)

// JobPayload carries a verified delivery from the webhook endpoint to a
// worker.
type JobPayload struct {
	Provider  string          `json:"provider"`
	WebhookID string          `json:"webhookId"`
	Body      json.RawMessage `json:"body"`
}

// JobType names the ingest job for a provider.
func JobType(provider string) string {
	return provider + "-webhook-ingest"
}

// RegisterJobs installs an ingest handler for every provider.
func RegisterJobs(reg *worker.Registry, ing *Ingestor, providers Providers) {
	for name, prov := range providers {
		worker.Handle(reg, JobType(name), func(ctx context.Context, job models.Job, p JobPayload) error {
			rec, err := prov.Parse(p.Body)
			if err != nil {
				return worker.Permanent(err)
			}
			correlation := p.WebhookID
			if correlation == "" {
				correlation = job.ID
			}
			_, err = ing.Ingest(ctx, Request{
				OwnerID:       job.OwnerID,
				Provider:      prov.Name(),
				CorrelationID: correlation,
				Recording:     rec,
			})
			if errors.Is(err, ErrInvalidRequest) {
				return worker.Permanent(err)
			}
			return err
		})
	}
}
