// Package copyengine implements the ordered copy procedure of spec.md §4.5:
// space check, temp-file streaming copy (normal or growing), integrity
// verification, atomic publish, and best-effort source deletion.
//
// Grounded on agent/tasks/copy/copy.go's CopyHandler, which performs the
// same shape of work (open source, wrap in a chain of instrumented readers,
// stream to a resumable destination writer, verify, finish) against GCS;
// this package keeps that reader-chain idiom while writing to a local or
// mounted-network destination file instead of a GCS object writer.
package copyengine

import (
	"context"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/config"
	"github.com/onpremsync/mxfagent/errorclassifier"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/queue"
	"github.com/onpremsync/mxfagent/spacearbiter"
	"github.com/onpremsync/mxfagent/statemachine"
)

const tempFileSuffix = ".copying"

// PathTemplate maps a source filename to a relative destination subpath,
// the "external collaborator" named in spec.md §4.5 step 3. DefaultTemplate
// below is used when none is configured.
type PathTemplate interface {
	RelativeSubpath(filename string) string
}

// DefaultTemplate places every file directly in the destination root.
type DefaultTemplate struct{}

func (DefaultTemplate) RelativeSubpath(filename string) string { return filename }

// FailedJobRecorder receives jobs whose final outcome was FAILED, for the
// bounded failed-jobs view (spec.md §4.4).
type FailedJobRecorder interface {
	RecordFailed(job queue.Job)
}

// DestinationStatusFunc reports the Storage Monitor's cached destination
// classification, consulted by the Error Classifier per spec.md §4.7.
type DestinationStatusFunc func() model.StorageStatus

// Engine runs the copy procedure for one job at a time per worker goroutine
// (the Job Queue bounds concurrency across workers; Engine additionally
// bounds concurrent open source reads via a semaphore, independent of
// worker count, matching agent/tasks/copy's separation of the two limits).
type Engine struct {
	sm       *statemachine.StateMachine
	bus      *eventbus.Bus
	clock    clock.Clock
	arbiter  *spacearbiter.Arbiter
	cfg      func() config.Config
	template PathTemplate
	destStat DestinationStatusFunc
	failed   FailedJobRecorder

	readSem *semaphore.Weighted
	limiter *rate.Limiter
}

// New builds an Engine. maxConcurrentReads <= 0 means unlimited; bandwidth
// <= 0 means unlimited.
func New(sm *statemachine.StateMachine, bus *eventbus.Bus, c clock.Clock, arbiter *spacearbiter.Arbiter, cfg func() config.Config, template PathTemplate, destStat DestinationStatusFunc, failed FailedJobRecorder, maxConcurrentReads int, bandwidthBytesPerSec float64) *Engine {
	e := &Engine{sm: sm, bus: bus, clock: c, arbiter: arbiter, cfg: cfg, template: template, destStat: destStat, failed: failed}
	if template == nil {
		e.template = DefaultTemplate{}
	}
	if maxConcurrentReads > 0 {
		e.readSem = semaphore.NewWeighted(int64(maxConcurrentReads))
	}
	if bandwidthBytesPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(bandwidthBytesPerSec), int(math.Max(bandwidthBytesPerSec, 1)))
	}
	return e
}

// Handle implements queue.Handler.
func (e *Engine) Handle(ctx context.Context, job queue.Job) {
	cfg := e.cfg()

	if cfg.EnablePreCopySpaceCheck {
		result := e.arbiter.Check(job.FileSize)
		if !result.HasSpace {
			e.arbiter.HandleInsufficientSpace(ctx, job.FileID, job.FilePath, job.FileSize, job.IsGrowing, result.Reason)
			return
		}
	}

	targetStatus := model.StatusCopying
	if job.IsGrowing {
		targetStatus = model.StatusGrowingCopy
	}
	if _, err := e.sm.Transition(job.FileID, targetStatus, statemachine.Patch{}); err != nil {
		glog.Errorf("copyengine: transitioning %s to %s: %v", job.FilePath, targetStatus, err)
		return
	}

	destPath := e.destinationPath(cfg, job.FilePath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		e.fail(ctx, job, err)
		return
	}

	var copyErr error
	var crc uint32
	if job.IsGrowing {
		crc, copyErr = e.copyGrowing(ctx, job, destPath, cfg)
	} else {
		crc, copyErr = e.copyNormal(ctx, job, destPath, cfg)
	}
	if copyErr != nil {
		e.fail(ctx, job, copyErr)
		return
	}

	e.finish(ctx, job, destPath, crc)
}

func (e *Engine) destinationPath(cfg config.Config, sourcePath string) string {
	name := filepath.Base(sourcePath)
	rel := e.template.RelativeSubpath(name)
	return filepath.Join(cfg.DestinationDirectory, rel)
}

// copyNormal implements spec.md §4.5 step 5 "Normal": fixed-size chunked
// read from a stable source, with progress events emitted when the integer
// percentage crosses copy_progress_update_interval. The returned checksum is
// the CRC32C of every byte handed to the destination writer, for finish's
// supplementary integrity check.
func (e *Engine) copyNormal(ctx context.Context, job queue.Job, destPath string, cfg config.Config) (uint32, error) {
	src, err := os.Open(job.FilePath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmpPath := destPath + tempFileSuffix
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	progress := newProgressTracker(job.FileSize, cfg.CopyProgressUpdateInterval, func(bytesCopied int64, pct, speedMbps float64) {
		e.publishProgress(job.FileID, bytesCopied, job.FileSize, speedMbps)
		e.sm.ApplyScannerUpdate(job.FileID, statemachine.Patch{BytesCopied: &bytesCopied, CopyProgress: &pct, CopySpeedMbps: &speedMbps})
	})

	reader := io.Reader(src)
	reader = newSemAcquiringReader(ctx, reader, e.readSem)
	reader = newRateLimitedReader(ctx, reader, e.limiter)
	reader = newStatsReader(reader, progress.onRead)
	crcReader := newCRC32UpdatingReader(reader)

	chunk := make([]byte, cfg.NormalCopyChunkSizeBytes())
	if _, err := io.CopyBuffer(dst, crcReader, chunk); err != nil {
		return 0, err
	}

	return crcReader.Sum(), dst.Sync()
}

// copyGrowing implements spec.md §4.5 step 5 "Growing": repeatedly stat the
// source and drain any bytes appended since the last pass, finalizing once
// no new bytes have appeared for growth_timeout. The returned checksum is
// the CRC32C of every byte written to the destination, for finish's
// supplementary integrity check.
func (e *Engine) copyGrowing(ctx context.Context, job queue.Job, destPath string, cfg config.Config) (uint32, error) {
	tmpPath := destPath + tempFileSuffix
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	safetyMargin := cfg.GrowingFileSafetyMarginBytes()
	chunkSize := cfg.GrowingFileChunkSizeBytes()
	pollInterval := cfg.GrowingFilePollInterval()
	growthTimeout := cfg.GrowingFileGrowthTimeout()

	var written int64
	var crc uint32
	lastProgress := time.Now()

	readChunk := func(upTo int64) error {
		src, err := os.Open(job.FilePath)
		if err != nil {
			return err
		}
		defer src.Close()

		if _, err := src.Seek(written, io.SeekStart); err != nil {
			return err
		}

		remaining := upTo - written
		for remaining > 0 {
			bufSize := int64(chunkSize)
			if remaining < bufSize {
				bufSize = remaining
			}
			buf := make([]byte, bufSize)
			n, readErr := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return werr
				}
				crc = crc32.Update(crc, crc32cTable, buf[:n])
				written += int64(n)
				remaining -= int64(n)
				pct := float64(0)
				if job.FileSize > 0 {
					pct = float64(written) / float64(job.FileSize) * 100
				}
				e.publishProgress(job.FileID, written, job.FileSize, 0)
				bc := written
				e.sm.ApplyScannerUpdate(job.FileID, statemachine.Patch{BytesCopied: &bc, CopyProgress: &pct})
			}
			if readErr != nil {
				if readErr == io.EOF {
					break
				}
				return readErr
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		info, err := os.Stat(job.FilePath)
		if err != nil {
			return 0, err
		}
		safeUpTo := info.Size() - safetyMargin
		if safeUpTo > written {
			if err := readChunk(safeUpTo); err != nil {
				return 0, err
			}
			lastProgress = time.Now()
		}

		if time.Since(lastProgress) >= growthTimeout {
			finalInfo, err := os.Stat(job.FilePath)
			if err != nil {
				return 0, err
			}
			if finalInfo.Size() > written {
				if err := readChunk(finalInfo.Size()); err != nil {
					return 0, err
				}
			}
			break
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return crc, dst.Sync()
}

// finish implements spec.md §4.5 steps 6-9: verify, atomic publish, delete
// source, transition to COMPLETED. wantCRC is the CRC32C accumulated while
// streaming the copy; it is the supplementary check run alongside the
// mandatory size comparison (spec.md §4.5 step 6).
func (e *Engine) finish(ctx context.Context, job queue.Job, destPath string, wantCRC uint32) {
	tmpPath := destPath + tempFileSuffix

	srcInfo, err := os.Stat(job.FilePath)
	if err != nil {
		e.fail(ctx, job, err)
		return
	}
	dstInfo, err := os.Stat(tmpPath)
	if err != nil {
		e.fail(ctx, job, err)
		return
	}
	if srcInfo.Size() != dstInfo.Size() {
		_ = os.Remove(tmpPath)
		e.fail(ctx, job, &errorclassifier.IntegrityError{SourceSize: srcInfo.Size(), DestSize: dstInfo.Size()})
		return
	}

	gotCRC, err := crc32FileSum(tmpPath)
	if err != nil {
		e.fail(ctx, job, err)
		return
	}
	if gotCRC != wantCRC {
		_ = os.Remove(tmpPath)
		e.fail(ctx, job, &errorclassifier.IntegrityError{
			SourceSize: srcInfo.Size(), DestSize: dstInfo.Size(),
			Detail: "crc32c mismatch on written destination file",
		})
		return
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		e.fail(ctx, job, err)
		return
	}

	deleteSourceWithRetries(job.FilePath)

	finalSize := srcInfo.Size()
	pct := float64(100)
	if _, err := e.sm.Transition(job.FileID, model.StatusCompleted, statemachine.Patch{
		BytesCopied:  &finalSize,
		CopyProgress: &pct,
	}); err != nil {
		glog.Errorf("copyengine: transitioning %s to COMPLETED: %v", job.FilePath, err)
	}
}

// deleteSourceWithRetries implements spec.md §4.5 step 8: best-effort
// deletion, 3 retries with a small delay, success of the copy is not
// affected by deletion failing.
func deleteSourceWithRetries(path string) {
	const maxRetries = 3
	const delay = 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := os.Remove(path); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(delay)
	}
	glog.Warningf("copyengine: could not delete source %s after retries: %v", path, lastErr)
}

func (e *Engine) fail(ctx context.Context, job queue.Job, copyErr error) {
	destPath := e.destinationPath(e.cfg(), job.FilePath)
	_ = os.Remove(destPath + tempFileSuffix)

	sourceExists := true
	if _, statErr := os.Stat(job.FilePath); statErr != nil && os.IsNotExist(statErr) {
		sourceExists = false
	}

	destStatus := model.StorageUnknown
	if e.destStat != nil {
		destStatus = e.destStat()
	}

	verdict := errorclassifier.Classify(copyErr, sourceExists, destStatus)
	reason := verdict.Reason
	if _, err := e.sm.Transition(job.FileID, verdict.Status, statemachine.Patch{ErrorMessage: &reason}); err != nil {
		glog.Errorf("copyengine: transitioning %s to %s: %v", job.FilePath, verdict.Status, err)
	}
	if verdict.Status == model.StatusFailed && e.failed != nil {
		e.failed.RecordFailed(job)
	}
}

func (e *Engine) publishProgress(fileID uuid.UUID, bytesCopied, totalBytes int64, speedMbps float64) {
	e.bus.Publish(model.FileCopyProgressEvent{
		FileID:        fileID,
		BytesCopied:   bytesCopied,
		TotalBytes:    totalBytes,
		CopySpeedMbps: speedMbps,
		Timestamp:     e.clock.Now(),
	})
}
