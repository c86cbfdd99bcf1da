package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modelexchange/mxf/pkg/models"
)

// Summarizer abstracts away from a concrete LLM provider, implemented by
// internal/llm.Summarizer, so the consolidation job can compress episodic
// records into a procedural summary without owning prompt/chat-loop
// semantics itself.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// Consolidate runs one consolidation pass over channelID's episodic
// records: high-Q, repeatedly-used records are promoted to semantic;
// long-unaccessed records are archived, deleted from both collaborators.
// The composition root runs it on a periodic cron schedule; this method
// itself is trigger-agnostic.
func (l *Layer) Consolidate(ctx context.Context, channelID string, summarizer Summarizer) error {
	records, err := l.docs.ByChannel(ctx, channelID)
	if err != nil {
		return err
	}

	now := time.Now()
	var toAbstract []models.MemoryRecord

	for _, r := range records {
		if r.Stratum != models.StratumEpisodic {
			continue
		}

		normalizedQ := normalize(r.QValue, l.cfg.QValueMin, l.cfg.QValueMax)

		if r.UsageCount >= l.cfg.ConsolidationPromoteUsage && normalizedQ >= l.cfg.ConsolidationPromoteQ {
			r.Stratum = models.StratumSemantic
			_ = l.docs.Put(ctx, r)
			if l.search != nil {
				_ = l.search.Index(ctx, r)
			}
			toAbstract = append(toAbstract, r)
			continue
		}

		if l.cfg.ConsolidationDemoteAfter > 0 && !r.LastAccess.IsZero() && now.Sub(r.LastAccess) > l.cfg.ConsolidationDemoteAfter {
			_ = l.docs.Delete(ctx, r.ID)
			if l.search != nil {
				_ = l.search.Remove(ctx, r.ID)
			}
		}
	}

	if len(toAbstract) > 0 && summarizer != nil {
		texts := make([]string, len(toAbstract))
		for i, r := range toAbstract {
			texts[i] = r.Content.Text
		}
		summary, err := summarizer.Summarize(ctx, texts)
		if err == nil && summary != "" {
			procedural := models.MemoryRecord{
				ID:        uuid.NewString(),
				ChannelID: channelID,
				Kind:      models.MemoryPattern,
				Content:   models.MemoryContent{Text: summary},
				Timestamp: now,
				Stratum:   models.StratumProcedural,
			}
			_ = l.docs.Put(ctx, procedural)
			if l.search != nil {
				_ = l.search.Index(ctx, procedural)
			}
		}
	}

	if l.metrics != nil {
		l.metrics.MemoryConsolidationRuns.Inc()
	}
	return nil
}
