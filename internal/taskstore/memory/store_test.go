package memory

import (
	"testing"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
	"github.com/JakeFAU/e14-scraper/internal/taskstore/storetest"
)

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(_ *testing.T, clock scraper.Clock) storetest.Store {
		return New(clock)
	})
}
