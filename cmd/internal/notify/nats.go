package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"parley/cmd/internal/metrics"

	v1 "parley/shared/contracts/chat/v1"
)

const defaultSubjectPrefix = "parley.conversation"

// NATSNotifier publishes fan-out events to NATS for cross-node delivery.
// Subjects are <prefix>.<conversation_id>.<event_type>.
//
// Ownership model: the notifier does NOT own the connection; the caller
// closes it.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// NATSOption configures NATSNotifier behavior.
type NATSOption func(*NATSNotifier) error

// WithSubjectPrefix overrides the default subject prefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(n *NATSNotifier) error {
		prefix = strings.Trim(strings.TrimSpace(prefix), ".")
		if prefix == "" {
			return errors.New("notify: empty subject prefix")
		}
		n.prefix = prefix
		return nil
	}
}

// NewNATSNotifier constructs a NATS-backed notifier over an existing connection.
func NewNATSNotifier(conn *nats.Conn, log *slog.Logger, opts ...NATSOption) (*NATSNotifier, error) {
	if conn == nil {
		return nil, errors.New("notify: nil nats connection")
	}
	if log == nil {
		log = slog.Default()
	}
	n := &NATSNotifier{conn: conn, prefix: defaultSubjectPrefix, log: log}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// DialNATS connects to a NATS server with resilient reconnect behavior.
// The returned connection is owned by the caller.
func DialNATS(url string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}

	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("nats.error", "err", err)
		}),
	)
}

// Notify publishes one event. Failures are logged and dropped: fan-out is
// best-effort and never unwinds committed state.
func (n *NATSNotifier) Notify(_ context.Context, ev v1.Event) {
	if n == nil || n.conn == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("fanout.nats.encode.fail", "err", err)
		metrics.FanoutDropped.WithLabelValues("nats").Inc()
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", n.prefix, ev.ConversationID, ev.Type)
	if err := n.conn.Publish(subject, data); err != nil {
		n.log.Warn("fanout.nats.publish.fail", "subject", subject, "err", err)
		metrics.FanoutDropped.WithLabelValues("nats").Inc()
		return
	}
	metrics.FanoutTotal.WithLabelValues("nats", ev.Type).Inc()
}
