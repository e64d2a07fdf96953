package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/util"
)

type NatsConfig struct {
	Servers []string
	// Every subject used by the bus starts with this prefix.
	SubjectPrefix  string
	ConnectTimeout time.Duration
	// Connection name reported to the NATS server.
	Name string
}

const DefaultSubjectPrefix = "liveq"

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// ConnectNats opens a NATS connection and returns a bus that owns it.
func ConnectNats(ctx *lqcontext.Context, config NatsConfig) (Bus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				ctx.Log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			ctx.Log.Infof("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	}
	if config.Name != "" {
		opts = append(opts, nats.Name(config.Name))
	}
	if config.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(config.ConnectTimeout))
	}
	conn, err := nats.Connect(strings.Join(config.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %v", config.Servers)
	}
	b, err := newNatsBus(ctx, conn, config.SubjectPrefix, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// NewNatsBus returns a bus on an existing connection. Closing the bus leaves the connection open.
func NewNatsBus(ctx *lqcontext.Context, conn *nats.Conn, subjectPrefix string) (Bus, error) {
	return newNatsBus(ctx, conn, subjectPrefix, false)
}

func newNatsBus(ctx *lqcontext.Context, conn *nats.Conn, subjectPrefix string, ownsConn bool) (Bus, error) {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	m := newMux()
	t := &natsTransport{
		ctx:      ctx,
		conn:     conn,
		prefix:   subjectPrefix,
		address:  subjectPrefix + "._reply." + util.NewUUID(),
		ownsConn: ownsConn,
		mux:      m,
	}
	inbox, err := conn.Subscribe(t.address, func(m *nats.Msg) {
		if msg, ok := t.decode(m); ok {
			t.mux.resolve(msg)
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to reply inbox %s", t.address)
	}
	t.inboxSub = inbox
	return newConnection(ctx, t, m), nil
}

type natsTransport struct {
	ctx      *lqcontext.Context
	conn     *nats.Conn
	prefix   string
	address  string
	ownsConn bool
	mux      *mux
	inboxSub *nats.Subscription
}

func (t *natsTransport) subject(channel, action string) string {
	return t.prefix + "." + subjectReplacer.Replace(channel) + "." + subjectReplacer.Replace(action)
}

func (t *natsTransport) decode(m *nats.Msg) (*Message, bool) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		t.ctx.Log.WithError(err).Warnf("Dropping undecodable message on %s", m.Subject)
		return nil, false
	}
	return &msg, true
}

func (t *natsTransport) send(subject string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := t.conn.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return errors.Wrapf(err, "publishing to %s", subject)
	}
	return nil
}

func (t *natsTransport) publish(msg *Message) error {
	return t.send(t.subject(msg.Channel, msg.Action), msg)
}

func (t *natsTransport) subscribe(channel, action string, deliver func(*Message)) (func() error, error) {
	subject := t.subject(channel, action)
	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		if msg, ok := t.decode(m); ok {
			deliver(msg)
		}
	})
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, ErrClosed
		}
		return nil, errors.Wrapf(err, "subscribing to %s", subject)
	}
	// Make the subscription effective before returning so that a message published right after Subscribe is seen.
	if err := t.conn.Flush(); err != nil {
		return nil, errors.WithStack(err)
	}
	return func() error {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			return errors.WithStack(err)
		}
		return nil
	}, nil
}

func (t *natsTransport) replyTo(address string, msg *Message) error {
	return t.send(address, msg)
}

func (t *natsTransport) inbox() string {
	return t.address
}

func (t *natsTransport) check() error {
	if status := t.conn.Status(); status != nats.CONNECTED {
		return errors.Errorf("NATS connection is %s", statusName(status))
	}
	return nil
}

func statusName(status nats.Status) string {
	switch status {
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.CONNECTING:
		return "connecting"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

func (t *natsTransport) close() error {
	var err error
	if t.inboxSub != nil {
		if unsubErr := t.inboxSub.Unsubscribe(); unsubErr != nil && !errors.Is(unsubErr, nats.ErrConnectionClosed) {
			err = errors.WithStack(unsubErr)
		}
	}
	if t.ownsConn {
		t.conn.Close()
	}
	return err
}
