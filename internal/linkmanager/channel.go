package linkmanager

import (
	"time"

	"github.com/meshtree/beacon/internal/auth"
	"github.com/meshtree/beacon/internal/transport"
)

// portChannel adapts one transport port into an auth.Channel, queuing
// inbound bytes delivered via SubscribeInbound so auth.Run can block on
// Receive. It is used only for the duration of one handshake; once
// authentication succeeds the port is re-subscribed to feed the router
// instead (see Manager.tryConnectUplink / Manager.handleAccept).
type portChannel struct {
	link transport.Link
	port transport.PortID
	msgs chan []byte
}

var _ auth.Channel = (*portChannel)(nil)

func newPortChannel(link transport.Link, port transport.PortID) *portChannel {
	pc := &portChannel{link: link, port: port, msgs: make(chan []byte, 4)}
	link.SubscribeInbound(port, func(_ transport.PortID, data []byte) {
		select {
		case pc.msgs <- data:
		default:
			// A slow/stuck handshake peer must not block the transport's
			// callback goroutine; drop rather than buffer unboundedly.
		}
	})
	return pc
}

func (pc *portChannel) Send(msg []byte) error {
	return pc.link.Send(pc.port, msg)
}

func (pc *portChannel) Receive(deadline time.Time) ([]byte, error) {
	timeout := time.Until(deadline)
	if timeout < 0 {
		timeout = 0
	}
	select {
	case msg := <-pc.msgs:
		return msg, nil
	case <-time.After(timeout):
		return nil, auth.ErrTimeout
	}
}
