package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/duet/internal/chat"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Encode builds the channel frame for a messages row change. typ is
// FrameInsert or FrameUpdate.
func Encode(typ string, m chat.Message) ([]byte, error) {
	if typ != FrameInsert && typ != FrameUpdate {
		return nil, fmt.Errorf("encode frame: unsupported type %q", typ)
	}
	return json.Marshal(Frame{Type: typ, Table: tableMessages, Record: RecordOf(m)})
}

// Notifier returns a change observer that publishes each committed
// message change to the channels of both participants. op is the frame
// type. It outlives the caller's context: a row that was written is
// always announced.
func Notifier(p Publisher, logger *zap.Logger) func(ctx context.Context, op string, m chat.Message) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, op string, m chat.Message) {
		frame, err := Encode(op, m)
		if err != nil {
			logger.Error("cannot encode change", zap.Int64("id", m.ID), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		users := []string{m.SenderID}
		if m.RecipientID != m.SenderID {
			users = append(users, m.RecipientID)
		}
		for _, u := range users {
			if err := p.Publish(ctx, ChannelName(u), frame); err != nil {
				logger.Warn("change not published",
					zap.String("op", op), zap.Int64("id", m.ID), zap.String("user", u), zap.Error(err))
			}
		}
	}
}
