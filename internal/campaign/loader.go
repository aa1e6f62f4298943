package campaign

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// DefaultBatchSize is the number of rows per insert round trip.
const DefaultBatchSize = 500

// Loader inserts expanded hierarchies into a task store.
type Loader struct {
	store     scraper.TaskLoader
	batchSize int
	logger    *zap.Logger
}

// NewLoader creates a Loader. batchSize <= 0 uses DefaultBatchSize.
func NewLoader(store scraper.TaskLoader, batchSize int, logger *zap.Logger) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, batchSize: batchSize, logger: logger.Named("campaign")}
}

// Load inserts the campaign's tasks unless the campaign already has rows, in which case it
// reports skipped and inserts nothing.
func (l *Loader) Load(ctx context.Context, h Hierarchy) (int64, bool, error) {
	existing, err := l.store.Count(ctx, h.Campaign)
	if err != nil {
		return 0, false, fmt.Errorf("count campaign tasks: %w", err)
	}
	if existing > 0 {
		l.logger.Info("campaign already loaded; skipping",
			zap.String("campaign", h.Campaign),
			zap.Int64("existing", existing),
		)
		return 0, true, nil
	}
	inserted, err := l.insert(ctx, h)
	return inserted, false, err
}

// Resume inserts any of the campaign's tasks that are missing. Existing rows are untouched.
func (l *Loader) Resume(ctx context.Context, h Hierarchy) (int64, error) {
	return l.insert(ctx, h)
}

func (l *Loader) insert(ctx context.Context, h Hierarchy) (int64, error) {
	tasks, err := h.Expand()
	if err != nil {
		return 0, fmt.Errorf("expand hierarchy: %w", err)
	}
	var total int64
	for start := 0; start < len(tasks); start += l.batchSize {
		end := min(start+l.batchSize, len(tasks))
		n, err := l.store.Insert(ctx, tasks[start:end])
		if err != nil {
			return total, fmt.Errorf("insert batch %d-%d: %w", start, end, err)
		}
		total += n
	}
	l.logger.Info("campaign loaded",
		zap.String("campaign", h.Campaign),
		zap.Int("expanded", len(tasks)),
		zap.Int64("inserted", total),
	)
	return total, nil
}
