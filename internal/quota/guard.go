// Package quota computes the byte size of a file/folder subtree and checks it
// against a destination's reported quota before a cross-provider write.
package quota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/metadata"
	"github.com/Chapsvision-dev/storage-gateway/internal/metrics"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

// Guard walks source subtrees and enforces destination quotas.
type Guard struct {
	// Concurrency bounds parallel folder listings during a walk.
	Concurrency int
	Metrics     *metrics.Metrics
}

func NewGuard(concurrency int, m *metrics.Metrics) *Guard {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Guard{Concurrency: concurrency, Metrics: m}
}

// Check reports whether incoming bytes fit: used+incoming <= max.
func Check(report provider.QuotaReport, incoming int64) bool {
	return report.Used+incoming <= report.Max
}

// SubtreeSize returns the size of a file, or the sum of every file below a
// folder. Files without a reported size count as zero.
func (g *Guard) SubtreeSize(ctx context.Context, p provider.Provider, path wbpath.Path) (int64, error) {
	if path.IsFile() {
		page, err := p.Metadata(ctx, path, provider.MetadataOptions{})
		if err != nil {
			return 0, err
		}
		return metadata.Total(page.Items), nil
	}

	var total atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.limit())

	var walk func(folder wbpath.Path) error
	walk = func(folder wbpath.Path) error {
		items, err := provider.ListAll(gctx, p, folder, provider.MetadataOptions{})
		if err != nil {
			return fmt.Errorf("list %s: %w", folder, err)
		}
		total.Add(metadata.Total(items))
		for _, it := range items {
			if !it.IsFolder() {
				continue
			}
			child, err := it.WbPath()
			if err != nil {
				return err
			}
			// Run inline when the pool is saturated so a deep tree cannot
			// deadlock waiting on its own ancestors.
			if !eg.TryGo(func() error { return walk(child) }) {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}

	eg.Go(func() error { return walk(path) })
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// Enforce rejects the transfer with InsufficientQuota when dst reports a
// quota that the source subtree would exceed. A non-nil sizeHint is
// trusted as-is; otherwise the source subtree is walked. Destinations that
// do not report quota are never checked.
func (g *Guard) Enforce(ctx context.Context, src provider.Provider, srcPath wbpath.Path, dst provider.Provider, sizeHint *int64) error {
	qr, ok := dst.(provider.QuotaReporter)
	if !ok {
		return nil
	}

	start := time.Now()
	var size int64
	if sizeHint != nil {
		size = *sizeHint
	} else {
		n, err := g.SubtreeSize(ctx, src, srcPath)
		if err != nil {
			return err
		}
		size = n
	}

	report, err := qr.Quota(ctx)
	if err != nil {
		return fmt.Errorf("quota of %s: %w", dst.Name(), err)
	}

	log.Debug().Str("action", "quota_check").Str("provider", dst.Name()).
		Int64("incoming", size).Int64("used", report.Used).Int64("max", report.Max).
		Bool("size_hint", sizeHint != nil).Dur("elapsed_ms", time.Since(start)).Msg("quota evaluated")

	if !Check(report, size) {
		if g.Metrics != nil {
			g.Metrics.QuotaRejections.Inc()
		}
		return apierr.InsufficientQuota("You do not have enough available quota.")
	}
	return nil
}

func (g *Guard) limit() int {
	if g.Concurrency <= 0 {
		return 1
	}
	return g.Concurrency
}
