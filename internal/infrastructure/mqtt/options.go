package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds publish, subscribe and unsubscribe
	// acknowledgements.
	defaultOperationTimeout = 5 * time.Second

	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second

	// Used when the reconnect section leaves a delay at zero.
	defaultRetryInterval  = time.Second
	defaultMaxRetryWindow = 2 * time.Minute

	maxQoS = 2

	// maxPayloadSize caps outgoing payloads at 1 MiB, below common broker limits.
	maxPayloadSize = 1 << 20
)

// brokerURL renders the broker address, ssl:// when TLS is on.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// retryIntervals converts the reconnect section into paho durations,
// falling back to defaults for unset values and keeping max >= initial.
func retryIntervals(rc config.MQTTReconnectConfig) (initial, maxDelay time.Duration) {
	initial = time.Duration(rc.InitialDelay) * time.Second
	if initial <= 0 {
		initial = defaultRetryInterval
	}
	maxDelay = time.Duration(rc.MaxDelay) * time.Second
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryWindow
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return initial, maxDelay
}

// buildClientOptions maps the mqtt config section onto paho options.
//
// Sessions are clean; the client replays its subscriptions after each
// reconnect, and notifications missed while offline show up as sequence
// gaps. Handlers run in arrival order.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	initial, maxDelay := retryIntervals(cfg.Reconnect)

	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(initial).
		SetMaxReconnectInterval(maxDelay).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.Broker.Host,
		})
	}
	return opts
}

// Status payload values.
const (
	statusOnline   = "online"
	statusOffline  = "offline"
	reasonGraceful = "graceful_shutdown"
	reasonCrash    = "unexpected_disconnect"
)

// statusPayload is published on fleet/system/status.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// configureLWT registers a retained offline status as the Last Will, so
// dashboards see the core drop even when it dies without a goodbye.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetWill(Topics{}.SystemStatus(), string(buildStatusPayload(statusOffline, clientID, reasonCrash)), 1, true)
}

func buildStatusPayload(status, clientID, reason string) []byte {
	payload, err := json.Marshal(statusPayload{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// A struct of strings always marshals.
		return []byte(fmt.Sprintf(`{"status":%q}`, status))
	}
	return payload
}
