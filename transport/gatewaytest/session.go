package gatewaytest

import (
	"sync"

	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/transport"
)

// Channel is the gateway side of a client's peer channel.
type Channel struct {
	ID       uint16
	Peer     crypto.PeerID
	Protocol string
	Client   crypto.PeerID

	session *session
	fn      PeerFunc
}

// Send delivers data to the client.
func (c *Channel) Send(data []byte) error {
	return c.session.stream.WriteFrame(&transport.Frame{
		Type:    transport.FrameData,
		Channel: c.ID,
		Payload: data,
	})
}

// Close closes the channel from the peer side.
func (c *Channel) Close() error {
	c.session.mu.Lock()
	delete(c.session.channels, c.ID)
	c.session.mu.Unlock()

	return c.session.stream.WriteFrame(&transport.Frame{
		Type:    transport.FrameClose,
		Channel: c.ID,
	})
}

type session struct {
	gateway *Gateway
	stream  *transport.SecureStream

	mu       sync.Mutex
	channels map[uint16]*Channel
}

func (s *session) run() {
	defer s.stream.Close()

	for {
		frame, err := s.stream.ReadFrame()
		if err != nil {
			return
		}

		switch frame.Type {
		case transport.FrameControl:
			s.handleControl(frame)
		case transport.FrameData:
			s.mu.Lock()
			ch := s.channels[frame.Channel]
			s.mu.Unlock()
			if ch != nil {
				ch.fn(ch, frame.Payload)
			}
		case transport.FramePing:
			s.stream.WriteFrame(&transport.Frame{Type: transport.FramePong})
		case transport.FrameClose:
			s.mu.Lock()
			_, open := s.channels[frame.Channel]
			delete(s.channels, frame.Channel)
			s.mu.Unlock()
			if open {
				s.stream.WriteFrame(&transport.Frame{Type: transport.FrameClose, Channel: frame.Channel})
			}
		}
	}
}

func (s *session) handleControl(frame *transport.Frame) {
	msg, err := transport.DecodeControl(frame.Payload)
	if err != nil || msg.Kind != transport.ControlOpen {
		return
	}

	reason := ""
	peer, err := msg.Peer()
	var fn PeerFunc
	if err != nil {
		reason = "malformed peer id"
	} else if f, ok := s.gateway.lookupPeer(peer); !ok {
		reason = "peer not found"
	} else {
		fn = f
		s.mu.Lock()
		s.channels[frame.Channel] = &Channel{
			ID:       frame.Channel,
			Peer:     peer,
			Protocol: msg.Protocol,
			Client:   s.stream.RemoteKey(),
			session:  s,
			fn:       fn,
		}
		s.mu.Unlock()
	}

	body, err := transport.EncodeControl(transport.NewOpenResult(reason))
	if err != nil {
		return
	}
	s.stream.WriteFrame(&transport.Frame{Type: transport.FrameControl, Channel: frame.Channel, Payload: body})
}

func (s *session) channelsTo(id crypto.PeerID) []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Channel
	for _, ch := range s.channels {
		if ch.Peer == id {
			out = append(out, ch)
		}
	}
	return out
}
