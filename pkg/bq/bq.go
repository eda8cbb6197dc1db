package bq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// BQ streams applied status events into day-partitioned BigQuery tables for
// offline analytics. Enqueueing never blocks the ingest path beyond the
// buffered channel; a full buffer drops the event.
type BQ struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *StatusEvent
}

var tracer = otel.Tracer("bq")

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BQ, error) {
	recordSchema, err := bigquery.InferSchema(StatusEvent{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BQ{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger,
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *StatusEvent, 100_000),
	}

	// Batch insert buffered events every 5 seconds
	go func() {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				// flush whatever was accepted before shutdown; events already
				// enqueued must not vanish just because the ticker stopped
				drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				for len(bq.recordBuf) > 0 && drainCtx.Err() == nil {
					if err := bq.insertEvents(drainCtx); err != nil {
						logger.Error("failed to flush status events at shutdown", "error", err)
						break
					}
				}
				cancel()
				return
			case <-t.C:
				if err := bq.insertEvents(ctx); err != nil {
					logger.Error("failed to insert status events", "error", err)
				}
			}
		}
	}()

	return bq, nil
}

// EnqueueStatusEvent buffers one applied status mutation for analytics.
// The ingest path must never stall on BigQuery, so overflow drops the event
// and bumps a counter instead of blocking.
func (bq *BQ) EnqueueStatusEvent(seq int64, repo, uri, action, status string, createdAt time.Time) {
	evt := &StatusEvent{
		IngestedAt:  time.Now(),
		CreatedAt:   createdAt,
		FirehoseSeq: seq,
		Repo:        repo,
		URI:         uri,
		Action:      action,
		Status:      status,
	}

	select {
	case bq.recordBuf <- evt:
		eventsEnqueued.WithLabelValues(bq.tablePrefix).Inc()
		queueDepth.WithLabelValues(bq.tablePrefix).Inc()
	default:
		eventsDropped.WithLabelValues(bq.tablePrefix).Inc()
	}
}

func (bq *BQ) insertEvents(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertEvents")
	defer span.End()

	if err := bq.createTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Grab up to 10_000 events from the buffer
	batchSize := 10_000

	events := make([]*StatusEvent, 0, batchSize)
drain:
	for i := 0; i < batchSize; i++ {
		select {
		case evt := <-bq.recordBuf:
			events = append(events, evt)
			queueDepth.WithLabelValues(bq.tablePrefix).Dec()
		default:
			break drain
		}
	}

	if len(events) == 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("batch_size", len(events)))

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.WithLabelValues(bq.tablePrefix).Observe(float64(elapsed.Milliseconds()))
		batchSizeHist.WithLabelValues(bq.tablePrefix).Observe(float64(len(events)))
	}()

	if err := bq.inserter.Put(ctx, events); err != nil {
		return fmt.Errorf("failed to insert status events: %w", err)
	}

	return nil
}

func (bq *BQ) createTableIfNotExists(ctx context.Context) error {
	today := time.Now().Format("20060102")

	if bq.tableDate == today && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(fmt.Sprintf("%s_%s", bq.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today
	bq.inserter = table.Inserter()

	return nil
}

func (bq *BQ) Close() error {
	return bq.client.Close()
}
