package recurrence

import "context"

// Publisher receives engine events after they are committed. Errors are
// logged by the engine and never undo the committed work.
type Publisher interface {
	OccurrencesGenerated(ctx context.Context, created []Transaction) error
	SeriesCancelled(ctx context.Context, result CancelResult) error
}
