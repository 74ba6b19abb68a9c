package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Options configures one MQTT client.
type Options struct {
	// BrokerURL is tcp://, ssl://, tls://, mqtts://, ws:// or wss://.
	// Credentials in the URL user info are used when Username is empty.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// AutoReconnect lets paho reconnect after the first successful
	// connect. The initial connect is never retried by paho.
	AutoReconnect    bool
	MaxReconnectWait time.Duration

	// ManualAck disables paho's automatic acknowledgement.
	ManualAck bool

	// Will is published by the broker on unexpected disconnect.
	Will *Will
}

// Will is a Last Will and Testament message.
type Will struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// buildClientOptions creates paho MQTT options.
//
// This configures:
//   - Broker URL and TLS for secure schemes
//   - Client ID and credentials
//   - Reconnect behaviour
//   - Manual acknowledgement
//   - Last Will and Testament (if set)
func buildClientOptions(o Options) (*pahomqtt.ClientOptions, error) {
	u, err := url.Parse(o.BrokerURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid broker url %q", ErrConnectionFailed, o.BrokerURL)
	}

	opts := pahomqtt.NewClientOptions()

	username, password := o.Username, o.Password
	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	u.User = nil

	scheme := strings.ToLower(u.Scheme)
	secure := false
	switch scheme {
	case "mqtts", "tls", "ssl":
		u.Scheme = "ssl"
		secure = true
	case "wss":
		secure = true
	case "mqtt":
		u.Scheme = "tcp"
	}
	opts.AddBroker(u.String())

	opts.SetClientID(o.ClientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetCleanSession(o.CleanSession)
	opts.SetOrderMatters(false)
	opts.SetAutoAckDisabled(o.ManualAck)

	// The state machine owns retries of the initial connect.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(o.AutoReconnect)
	if o.MaxReconnectWait > 0 {
		opts.SetMaxReconnectInterval(o.MaxReconnectWait)
	}

	connectTimeout := o.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if secure {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	if o.Will != nil && o.Will.Topic != "" {
		opts.SetWill(o.Will.Topic, o.Will.Payload, o.Will.QoS, o.Will.Retained)
	}

	return opts, nil
}
