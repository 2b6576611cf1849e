// Package mqtt publishes the controller status to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

const publishTimeout = 5 * time.Second

type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher sends the most recent status as a retained message. Statuses
// that arrive while a publish is in flight replace each other.
type Publisher struct {
	cfg     *autopaho.ClientConfig
	topic   string
	pending chan types.Status
}

// Configured registers the MQTT flags. Without a broker the returned
// Publisher drops everything.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. mqtt://localhost:1883), empty disables publishing")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "helios", "MQTT client id, must be unique per broker")
	prefix := lflag.String("mqtt-topic-prefix", "helios", "Prefix of the published topics")

	p := &Publisher{}
	lflag.Do(func() {
		if *broker == "" {
			return
		}
		u, err := url.Parse(*broker)
		if err != nil {
			panic(fmt.Sprintf("invalid mqtt-broker: %v", err))
		}
		p.topic = *prefix + "/status"
		p.pending = make(chan types.Status, 1)
		p.cfg = &autopaho.ClientConfig{
			ServerUrls:      []*url.URL{u},
			ConnectUsername: *username,
			ConnectPassword: []byte(*password),
			KeepAlive:       30,
			// no subscriptions, so there is no session worth keeping
			CleanStartOnInitialConnection: true,
			SessionExpiryInterval:         0,
			OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
				log.Ctx(context.Background()).Info("mqtt connection up", slog.String("broker", u.Redacted()))
			},
			OnConnectError: func(err error) {
				log.Ctx(context.Background()).Warn("mqtt connect failed", slog.Any("error", err))
			},
			ClientConfig: paho.ClientConfig{
				ClientID: *clientID,
				OnClientError: func(err error) {
					log.Ctx(context.Background()).Warn("mqtt client error", slog.Any("error", err))
				},
				OnServerDisconnect: func(d *paho.Disconnect) {
					reason := ""
					if d.Properties != nil {
						reason = d.Properties.ReasonString
					}
					log.Ctx(context.Background()).Warn(
						"mqtt server requested disconnect",
						slog.Int("reasonCode", int(d.ReasonCode)),
						slog.String("reason", reason),
					)
				},
			},
		}
	})
	return p
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.pending != nil
}

// PublishStatus queues st, replacing any status not yet sent.
func (p *Publisher) PublishStatus(ctx context.Context, st types.Status) {
	if !p.Enabled() {
		return
	}
	for {
		select {
		case p.pending <- st:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run connects to the broker and publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.Enabled() {
		<-ctx.Done()
		return nil
	}
	cm, err := autopaho.NewConnection(ctx, *p.cfg)
	if err != nil {
		return fmt.Errorf("failed to start mqtt connection: %w", err)
	}
	p.loop(ctx, cm)

	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := cm.Disconnect(disconnectCtx); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "mqtt disconnect failed", slog.Any("error", err))
	}
	return nil
}

func (p *Publisher) loop(ctx context.Context, client publishClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-p.pending:
			if err := p.publish(ctx, client, st); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "failed to publish status", slog.Any("error", err))
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, client publishClient, st types.Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = client.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   p.topic,
		Payload: payload,
		Retain:  true,
	})
	return err
}
