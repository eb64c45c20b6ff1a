package providers

import (
	"context"
)

// GenerationRequest carries the source material for one derived document.
// Transcript acquisition is the scraping layer's job; by the time a job is
// queued the text is already in the payload.
type GenerationRequest struct {
	SourceItemID string
	SourcePageID *string
	Title        string
	Transcript   string
}

// GenerationResult is the produced artifact. BlueprintID is the identifier
// recorded on the unlock when it becomes ready.
type GenerationResult struct {
	BlueprintID string
	Document    string
	Model       string
	TokensUsed  int
}

// GenerationProvider is the upstream dependency that turns source content
// into a generated document. Implementations are expected to be flaky; all
// calls go through RunWithProviderRetry.
type GenerationProvider interface {
	Key() string
	GenerateBlueprint(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)
}
