package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamImportSignals carries "job is ready for its next phase" pokes from
// whatever created or advanced an import job to the import worker. The
// worker's database poll is the durability fallback when a poke is lost.
const StreamImportSignals = "telegram:import:signals"

const maxImportSignalLength = 1000

// SignalImportJob notifies the import worker that jobID has work.
func (b *Broker) SignalImportJob(ctx context.Context, jobID string) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamImportSignals,
		MaxLen: maxImportSignalLength,
		Approx: true,
		Values: map[string]any{"job_id": jobID},
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: xadd import signal: %w", err)
	}
	return nil
}

// WaitImportSignal blocks up to block for the next signal after lastID and
// returns (jobID, newLastID). A timeout returns ("", lastID, nil).
func (b *Broker) WaitImportSignal(ctx context.Context, lastID string, block time.Duration) (string, string, error) {
	if lastID == "" {
		lastID = "$"
	}
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamImportSignals, lastID},
		Count:   1,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", lastID, nil
		}
		return "", lastID, fmt.Errorf("broker: xread import signals: %w", err)
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			jobID, _ := msg.Values["job_id"].(string)
			return jobID, msg.ID, nil
		}
	}
	return "", lastID, nil
}
