package bq

import (
	"time"
)

// StatusEvent is one applied status mutation as it lands in BigQuery.
type StatusEvent struct {
	IngestedAt time.Time `bigquery:"ingested_at"`
	CreatedAt  time.Time `bigquery:"created_at"`

	FirehoseSeq int64  `bigquery:"firehose_seq"`
	Repo        string `bigquery:"repo"`
	URI         string `bigquery:"uri"`
	Action      string `bigquery:"action"`
	Status      string `bigquery:"status"`
}
