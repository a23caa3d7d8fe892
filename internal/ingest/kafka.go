package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"killchain-advisor/internal/kafka"
	"killchain-advisor/internal/schema"
)

// DecodeCase parses one case message.
func DecodeCase(data []byte) (schema.Case, error) {
	var c schema.Case
	if err := json.Unmarshal(data, &c); err != nil {
		return schema.Case{}, fmt.Errorf("%w: %v", ErrInvalidCase, err)
	}
	return c, nil
}

// MessageHandler returns a kafka handler that records each message as a
// case. Malformed or invalid cases are rejected so the consumer commits past
// them. A case store failure is returned as is, so the consumer retries the
// message and holds its offset until the store recovers. Entity failures
// after the case was stored are logged and committed: replaying the message
// would raise risk a second time on the entities that did succeed.
func MessageHandler(rec *Recorder, logger *slog.Logger) kafka.MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg kafka.Message) error {
		c, err := DecodeCase(msg.Value)
		if err != nil {
			return kafka.Reject(err)
		}
		err = rec.Record(ctx, c)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrInvalidCase):
			return kafka.Reject(err)
		case errors.Is(err, ErrObservation):
			logger.Warn("case stored with incomplete entity observations",
				"case_id", c.ID,
				"offset", msg.Offset,
				"error", err,
			)
			return nil
		default:
			return err
		}
	}
}
