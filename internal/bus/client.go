package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with the JSON helpers the avatar subjects use.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials cfg.Servers and fails if no server answers.
func Connect(ctx context.Context, name string, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	return connect(name, cfg, false, log)
}

// ConnectLazy returns a client even when no server is up yet. The connection
// keeps dialing every cfg.ReconnectWait; subscriptions and publishes made in
// the meantime are buffered and sent once it connects. Only configuration
// errors are returned.
func ConnectLazy(ctx context.Context, name string, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	return connect(name, cfg, true, log)
}

func connect(name string, cfg config.BusConfig, lazy bool, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if name == "" {
		name = "loqa-mascot"
	}
	url := strings.Join(cfg.Servers, ",")

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ConnectHandler(func(*nats.Conn) {
			log.Info("connected to NATS", slog.String("servers", url))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", slog.String("server", nc.ConnectedUrl()))
		}),
	}
	if cfg.ReconnectWait > 0 {
		options = append(options, nats.ReconnectWait(time.Duration(cfg.ReconnectWait)*time.Millisecond))
	}
	if lazy {
		options = append(options, nats.RetryOnFailedConnect(true))
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if conn.IsConnected() {
		log.Info("connected to NATS", slog.String("servers", url))
	} else {
		log.Warn("NATS not reachable yet, retrying in background", slog.String("servers", url))
	}

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeJSON decodes every message on subject into a fresh T before
// handing it to fn. Undecodable messages are logged and dropped.
func SubscribeJSON[T any](c *Client, subject string, fn func(T)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			c.log.Warn("invalid bus message",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		fn(v)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
