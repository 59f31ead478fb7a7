package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/redis_client"
	"github.com/fleetglass/fleetglass/pkg/store"
	"github.com/rs/zerolog/log"
)

const ReportQueueName = "reports-queue"

const numConsumers = 3
const batchSize = 100

// QueuedReport is a position report submitted through the bulk queue. The
// reporting principal is resolved when the report is submitted.
type QueuedReport struct {
	VehicleID string
	Principal string
	Report    fleet.LocationReport
}

func OpenReportQueue() (rmq.Queue, error) {
	return redis_client.QueueConnection.OpenQueue(ReportQueueName)
}

func SubmitToQueue(queue rmq.Queue, queuedReport QueuedReport) error {
	payload, err := json.Marshal(queuedReport)
	if err != nil {
		return err
	}

	return queue.PublishBytes(payload)
}

// StartConsumers runs the background consumers that drain the bulk report
// queue through the pipeline.
func StartConsumers(pipeline *Pipeline) error {
	log.Info().Msg("Starting report queue consumers")

	queue, err := OpenReportQueue()
	if err != nil {
		return err
	}
	if err := queue.StartConsuming(numConsumers*batchSize, 1*time.Second); err != nil {
		return err
	}

	for i := 0; i < numConsumers; i++ {
		if _, err := queue.AddBatchConsumer(fmt.Sprintf("reports-queue-%d", i), batchSize, 2*time.Second, NewBatchConsumer(i, pipeline)); err != nil {
			return err
		}
	}

	return nil
}

type BatchConsumer struct {
	id       int
	pipeline *Pipeline
}

func NewBatchConsumer(id int, pipeline *Pipeline) *BatchConsumer {
	return &BatchConsumer{id: id, pipeline: pipeline}
}

func (consumer *BatchConsumer) Consume(batch rmq.Deliveries) {
	for _, payload := range batch.Payloads() {
		var queuedReport *QueuedReport
		if err := json.Unmarshal([]byte(payload), &queuedReport); err != nil {
			log.Error().Err(err).Msg("Failed to decode queued report")
			continue
		}

		err := consumer.pipeline.Ingest(context.Background(), queuedReport.VehicleID, queuedReport.Principal, queuedReport.Report)

		// Queued reports have no caller to return to; every failure is
		// terminal for that report and only logged.
		switch {
		case err == nil:
		case errors.Is(err, store.ErrStaleTimestamp):
		default:
			log.Error().
				Err(err).
				Str("vehicle", queuedReport.VehicleID).
				Msg("Failed to ingest queued report")
		}
	}

	if ackErrors := batch.Ack(); len(ackErrors) > 0 {
		for _, err := range ackErrors {
			log.Error().Err(err).Msg("Failed to ack report batch")
		}
	}
}
