package memindex

import (
	"context"
	"fmt"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

// EmbedReport summarizes an embedding population run.
type EmbedReport struct {
	Embedded int      `json:"embedded"`
	Batches  int      `json:"batches"`
	Failures []string `json:"failures,omitempty"`
}

// EmbedSessionMemories embeds every memory in the session that still
// lacks a vector, batchSize at a time. Batch failures are recorded and
// skipped; earlier batches stay written, so reruns only pay for what
// is missing.
func (ix *Index) EmbedSessionMemories(ctx context.Context, sessionID string, batchSize int) (*EmbedReport, error) {
	if ix.embedder == nil {
		return nil, fmt.Errorf("%w: no embedding provider configured", types.ErrExternalUnavailable)
	}
	if batchSize <= 0 {
		batchSize = 20
	}

	timer := logging.StartTimer(logging.CategoryMemory, "EmbedSessionMemories")
	defer timer.Stop()

	report := &EmbedReport{}
	for {
		pending, err := ix.store.MemoriesWithoutEmbedding(sessionID, batchSize)
		if err != nil {
			return report, err
		}
		if len(pending) == 0 {
			break
		}
		report.Batches++

		texts := make([]string, len(pending))
		for i, m := range pending {
			texts[i] = m.Content
		}

		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("batch %d: %v", report.Batches, err))
			logging.Get(logging.CategoryMemory).Warn("embedding batch %d failed: %v", report.Batches, err)
			break
		}
		if len(vectors) != len(pending) {
			report.Failures = append(report.Failures, fmt.Sprintf("batch %d: got %d vectors for %d texts", report.Batches, len(vectors), len(pending)))
			break
		}

		wrote := 0
		for i, m := range pending {
			if err := ix.store.SetEmbedding(m.ID, vectors[i]); err != nil {
				report.Failures = append(report.Failures, fmt.Sprintf("memory %s: %v", m.ID, err))
				continue
			}
			report.Embedded++
			wrote++
		}

		// No progress means the same rows would come back forever.
		if wrote == 0 || len(pending) < batchSize {
			break
		}
	}

	logging.Memory("Embedded %d memories for session %s in %d batches (%d failures)",
		report.Embedded, sessionID, report.Batches, len(report.Failures))
	return report, nil
}
