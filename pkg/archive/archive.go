package archive

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// StatusEvent is one applied status mutation as it lands in a parquet file.
type StatusEvent struct {
	IngestedAt  int64  `parquet:"ingested_at"`
	CreatedAt   int64  `parquet:"created_at"`
	FirehoseSeq int64  `parquet:"firehose_seq"`
	Repo        string `parquet:"repo"`
	URI         string `parquet:"uri"`
	Action      string `parquet:"action"`
	Status      string `parquet:"status"`
}

// Archive writes applied status events to timestamped parquet files on local
// disk, batching by size and age. It is the cheap cold-storage counterpart to
// the BigQuery sink.
type Archive struct {
	logger       *slog.Logger
	fileDir      string
	prefix       string
	writeQueue   chan *StatusEvent
	shutdown     chan struct{}
	wg           sync.WaitGroup
	batchSize    int
	maxBatchWait time.Duration
}

func NewArchive(logger *slog.Logger, fileDir, prefix string, batchSize int, maxBatchWait time.Duration) (*Archive, error) {
	a := Archive{
		logger:       logger,
		fileDir:      fileDir,
		prefix:       prefix,
		batchSize:    batchSize,
		maxBatchWait: maxBatchWait,
		writeQueue:   make(chan *StatusEvent, batchSize*2),
		shutdown:     make(chan struct{}),
	}

	// Make sure the file directory exists
	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &a, nil
}

// StartWriter starts the writer goroutine which flushes events to parquet
// files when the batch size is reached, after every maxBatchWait duration, or
// when the shutdown signal is received
func (a *Archive) StartWriter() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		var events []*StatusEvent
		t := time.NewTicker(a.maxBatchWait)
		defer t.Stop()

		a.logger.Info("starting parquet writer loop")

		for {
			select {
			case evt := <-a.writeQueue:
				events = append(events, evt)
				if len(events) >= a.batchSize {
					a.logger.Info("writing parquet file due to max batch size", "batch_size", a.batchSize)
					if err := a.WriteFile(events); err != nil {
						a.logger.Error("failed to write parquet file", "error", err)
					}
					events = nil
				}
			case <-t.C:
				if len(events) > 0 {
					a.logger.Info("writing parquet file due to max batch wait", "max_batch_wait", a.maxBatchWait.String())
					if err := a.WriteFile(events); err != nil {
						a.logger.Error("failed to write parquet file", "error", err)
					}
					events = nil
				}
			case <-a.shutdown:
				a.logger.Info("shutting down parquet writer")
				if len(events) > 0 {
					if err := a.WriteFile(events); err != nil {
						a.logger.Error("failed to write parquet file", "error", err)
					}
				}
				return
			}
		}
	}()
}

// Shutdown signals the writer goroutine to flush and stop
func (a *Archive) Shutdown() {
	a.logger.Info("waiting for parquet writer to shutdown")
	close(a.shutdown)
	a.wg.Wait()
	a.logger.Info("parquet writer shutdown successfully")
}

// EnqueueStatusEvent buffers one applied status mutation for archival.
// Overflow drops the event rather than stalling the ingest path.
func (a *Archive) EnqueueStatusEvent(seq int64, repo, uri, action, status string, createdAt time.Time) {
	evt := &StatusEvent{
		IngestedAt:  time.Now().UnixMilli(),
		CreatedAt:   createdAt.UnixMilli(),
		FirehoseSeq: seq,
		Repo:        repo,
		URI:         uri,
		Action:      action,
		Status:      status,
	}
	select {
	case a.writeQueue <- evt:
	default:
		a.logger.Warn("archive write queue full, dropping event", "uri", uri)
	}
}

// WriteFile writes the given events to a parquet file
func (a *Archive) WriteFile(events []*StatusEvent) error {
	// Current timestamp as the file suffix
	fName := path.Join(a.fileDir, fmt.Sprintf("%s_%s.parquet", a.prefix, time.Now().UTC().Format("2006_01_02-15_04_05")))

	filterBits := uint(10)

	a.logger.Info("writing parquet file", "file_path", fName, "num_events", len(events))

	err := parquet.WriteFile(fName, events, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "repo"),
		parquet.SplitBlockFilter(filterBits, "uri"),
		parquet.SplitBlockFilter(filterBits, "action"),
		parquet.SplitBlockFilter(filterBits, "status"),
	))
	if err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}

	a.logger.Info("wrote parquet file", "file_path", fName)

	return nil
}
