package copyengine

import "time"

// progressTracker accumulates bytes read and invokes onThreshold only when
// the integer completion percentage crosses granularityPercent, per spec.md
// §4.5 step 5 ("emit FileCopyProgressEvent when the integer progress
// percentage crosses the configured granularity").
type progressTracker struct {
	totalBytes  int64
	granularity int
	onThreshold func(bytesCopied int64, pct, speedMbps float64)

	copied  int64
	lastPct int
	start   time.Time
}

func newProgressTracker(totalBytes int64, granularityPercent int, onThreshold func(int64, float64, float64)) *progressTracker {
	if granularityPercent <= 0 {
		granularityPercent = 1
	}
	return &progressTracker{
		totalBytes:  totalBytes,
		granularity: granularityPercent,
		onThreshold: onThreshold,
		start:       time.Now(),
	}
}

func (p *progressTracker) onRead(n int) {
	p.copied += int64(n)
	pct := 0.0
	if p.totalBytes > 0 {
		pct = float64(p.copied) / float64(p.totalBytes) * 100
	}
	pctInt := int(pct)
	if pctInt-p.lastPct < p.granularity {
		return
	}
	p.lastPct = pctInt

	speedMbps := 0.0
	if elapsed := time.Since(p.start).Seconds(); elapsed > 0 {
		speedMbps = float64(p.copied) * 8 / 1e6 / elapsed
	}
	if p.onThreshold != nil {
		p.onThreshold(p.copied, pct, speedMbps)
	}
}
