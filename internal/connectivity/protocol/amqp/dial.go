package amqp

import (
	"context"
	"net"
	"time"
)

// dialer returns an amqp.Config.Dial function honouring ctx for the TCP
// connect. The AMQP handshake that follows is bounded by the heartbeat
// deadline the library sets itself.
func dialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, network, addr)
	}
}
