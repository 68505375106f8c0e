package connectivity

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
)

// NATSWatcher treats the health of a NATS connection as the connectivity
// signal. The connection retries forever, so a process started offline comes
// online as soon as the server is reachable.
type NATSWatcher struct {
	state
	conn   *nats.Conn
	logger *logging.Logger
}

// NewNATSWatcher connects to url. An unreachable server is not an error; the
// watcher starts offline and keeps retrying. Extra options are applied after
// the watcher's own handlers.
func NewNATSWatcher(url string, logger *logging.Logger, opts ...nats.Option) (*NATSWatcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	w := &NATSWatcher{logger: logger}

	options := append([]nats.Option{
		nats.Name("taxsync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ConnectHandler(w.handleConnect),
		nats.DisconnectErrHandler(w.handleDisconnect),
		nats.ReconnectHandler(w.handleConnect),
		nats.ClosedHandler(w.handleClosed),
	}, opts...)

	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	w.conn = conn
	w.set(conn.IsConnected())

	return w, nil
}

func (w *NATSWatcher) handleConnect(_ *nats.Conn) {
	if w.set(true) {
		w.logger.Info("connectivity restored", "source", "nats")
	}
}

func (w *NATSWatcher) handleDisconnect(_ *nats.Conn, err error) {
	if w.set(false) {
		args := []any{"source", "nats"}
		if err != nil {
			args = append(args, "error", err.Error())
		}
		w.logger.Warn("connectivity lost", args...)
	}
}

func (w *NATSWatcher) handleClosed(_ *nats.Conn) {
	w.set(false)
}

// Conn returns the underlying connection.
func (w *NATSWatcher) Conn() *nats.Conn {
	return w.conn
}

// SubscribeWake calls fn for every message on subject. The returned function
// cancels the subscription.
func (w *NATSWatcher) SubscribeWake(subject string, fn func()) (func() error, error) {
	sub, err := w.conn.Subscribe(subject, func(*nats.Msg) { fn() })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Close closes the connection. Subscribers see a final offline transition.
func (w *NATSWatcher) Close() error {
	if w.conn != nil {
		w.conn.Close()
	}
	w.set(false)
	return nil
}

var _ ports.ConnectivityWatcher = (*NATSWatcher)(nil)
