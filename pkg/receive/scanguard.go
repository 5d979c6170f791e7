package receive

import (
	"context"
	"errors"
	"sync"

	"tap-ledger/pkg/ledger"

	"github.com/bits-and-blooms/bloom/v3"
)

// ScanGuard answers "was this scan id already consumed?" A bloom filter of
// scan ids seen by this process short-circuits the common negative case;
// a positive is confirmed against the transfer log. The unique scan index in
// the store remains the authority.
type ScanGuard struct {
	log    ledger.TransferLog
	filter *bloom.BloomFilter
	mu     sync.RWMutex

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// NewScanGuard creates a guard sized for expectedScans.
func NewScanGuard(log ledger.TransferLog, expectedScans uint, falsePositiveRate float64) *ScanGuard {
	if expectedScans == 0 {
		expectedScans = 100000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &ScanGuard{
		log:    log,
		filter: bloom.NewWithEstimates(expectedScans, falsePositiveRate),
	}
}

// Consumed reports whether scanID is already recorded with a transfer.
func (g *ScanGuard) Consumed(ctx context.Context, scanID string) (bool, error) {
	g.mu.Lock()
	g.totalQueries++
	if !g.filter.TestString(scanID) {
		g.bloomRejected++
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	_, err := g.log.FindTransferByScan(ctx, scanID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ledger.ErrRecordNotFound):
		g.mu.Lock()
		g.falsePositives++
		g.mu.Unlock()
		return false, nil
	default:
		return false, err
	}
}

// Add records scanID as consumed.
func (g *ScanGuard) Add(scanID string) {
	g.mu.Lock()
	g.filter.AddString(scanID)
	g.mu.Unlock()
}

// Stats returns statistics about the filter.
func (g *ScanGuard) Stats() ScanGuardStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return ScanGuardStats{
		TotalQueries:   g.totalQueries,
		BloomRejected:  g.bloomRejected,
		FalsePositives: g.falsePositives,
		FilterCapacity: uint(g.filter.Cap()),
	}
}

// ScanGuardStats holds statistics about the scan filter.
type ScanGuardStats struct {
	TotalQueries   uint64
	BloomRejected  uint64
	FalsePositives uint64
	FilterCapacity uint
}
