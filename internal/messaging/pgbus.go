package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/integratedmodelling/klab-go/internal/model"
)

// PGBus is a Transport over Postgres LISTEN/NOTIFY, for deployments that share
// a database but run no AMQP broker. One Postgres channel carries one logical
// queue; every listener receives every notification, matching the fanout
// semantics of the broker transport.
//
// NOTIFY payloads are capped by Postgres at 8000 bytes, so this transport is
// for control-plane traffic only; bulk payloads belong on the AMQP transport.
type PGBus struct {
	pool       *pgxpool.Pool
	listenConn *pgx.Conn
	channel    string
	tag        string
	consume    func(model.Message)
	logger     *slog.Logger

	cancel context.CancelFunc
	closed atomic.Bool
}

// pgEnvelope wraps a message with the publishing transport's tag so listeners
// can drop the echo of their own notifications.
type pgEnvelope struct {
	ChannelID string        `json:"channelId"`
	Message   model.Message `json:"message"`
}

// PGChannelName derives the Postgres channel for a federation queue. Postgres
// identifiers cannot contain dots, so they are folded to underscores.
func PGChannelName(federationID, queue string) string {
	name := "klab_" + federationID + "_" + queue
	return strings.ToLower(strings.ReplaceAll(name, ".", "_"))
}

// NewPGBus connects to Postgres, starts LISTEN on the federation queue channel
// and begins consuming. The dedicated listen connection is separate from the
// pool used for NOTIFY.
func NewPGBus(ctx context.Context, dsn, federationID, queue string, consume func(model.Message), logger *slog.Logger) (*PGBus, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("messaging: pg pool: %w", err)
	}
	listenConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("messaging: pg listen connection: %w", err)
	}

	b := &PGBus{
		pool:       pool,
		listenConn: listenConn,
		channel:    PGChannelName(federationID, queue),
		tag:        fmt.Sprintf("pg-%p", pool),
		consume:    consume,
		logger:     logger,
	}

	if _, err := listenConn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		pool.Close()
		_ = listenConn.Close(ctx)
		return nil, fmt.Errorf("messaging: listen %s: %w", b.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(loopCtx)

	return b, nil
}

// run blocks on WaitForNotification until Close cancels the context. Errors
// other than cancellation are logged and the wait retried.
func (b *PGBus) run(ctx context.Context) {
	for {
		n, err := b.listenConn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("pgbus: notification error, retrying", "error", err)
			continue
		}

		var env pgEnvelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			b.logger.Error("pgbus: dropping malformed notification", "channel", n.Channel, "error", err)
			continue
		}
		if env.ChannelID == b.tag {
			continue
		}
		if b.consume != nil {
			b.consume(env.Message)
		}
	}
}

// Publish implements Transport.
func (b *PGBus) Publish(ctx context.Context, msg model.Message) error {
	if b.closed.Load() {
		return fmt.Errorf("messaging: pgbus closed")
	}
	payload, err := json.Marshal(pgEnvelope{ChannelID: b.tag, Message: msg})
	if err != nil {
		return fmt.Errorf("messaging: encode notification: %w", err)
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload)); err != nil {
		return fmt.Errorf("messaging: notify %s: %w", b.channel, err)
	}
	return nil
}

// Close implements Transport.
func (b *PGBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	err := b.listenConn.Close(context.Background())
	b.pool.Close()
	if err != nil {
		return fmt.Errorf("messaging: close pgbus: %w", err)
	}
	return nil
}
