package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/gridlink/crypto"
	gridnoise "github.com/opd-ai/gridlink/noise"
	"github.com/sirupsen/logrus"
)

// HandshakeTimeout is the default bound on the Noise handshake.
const HandshakeTimeout = 10 * time.Second

// SecureStream carries encrypted grid frames over a byte stream.
// Every message on the wire is [length u32 BE][ciphertext].
// WriteFrame is safe for concurrent use; ReadFrame must only be called from
// a single goroutine.
type SecureStream struct {
	conn   net.Conn
	reader *bufio.Reader
	remote crypto.PeerID

	writeMu sync.Mutex
	send    *noise.CipherState
	recv    *noise.CipherState
}

// ClientHandshake runs the initiator side of the handshake against a gateway
// whose static key is known.
func ClientHandshake(conn net.Conn, keys *crypto.KeyPair, gateway crypto.PeerID, timeout time.Duration) (*SecureStream, error) {
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	hs, err := gridnoise.NewIKHandshake(keys.Private, &gateway, gridnoise.Initiator)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)

	msg, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, msg); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	reply, err := readMessage(reader)
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	if _, err := hs.ReadMessage(reply); err != nil {
		return nil, err
	}

	return newSecureStream(conn, reader, hs, gateway)
}

// ServerHandshake runs the responder side of the handshake. The client's
// authenticated static key is available from RemoteKey.
func ServerHandshake(conn net.Conn, keys *crypto.KeyPair, timeout time.Duration) (*SecureStream, error) {
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	hs, err := gridnoise.NewIKHandshake(keys.Private, nil, gridnoise.Responder)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)

	first, err := readMessage(reader)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if _, err := hs.ReadMessage(first); err != nil {
		return nil, err
	}

	reply, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, reply); err != nil {
		return nil, fmt.Errorf("send handshake reply: %w", err)
	}

	remote, err := hs.RemoteStaticKey()
	if err != nil {
		return nil, err
	}

	return newSecureStream(conn, reader, hs, remote)
}

func newSecureStream(conn net.Conn, reader *bufio.Reader, hs *gridnoise.IKHandshake, remote crypto.PeerID) (*SecureStream, error) {
	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "newSecureStream",
		"remote":   remote.Short(),
		"addr":     conn.RemoteAddr().String(),
	}).Debug("Noise handshake complete")

	return &SecureStream{
		conn:   conn,
		reader: reader,
		remote: remote,
		send:   send,
		recv:   recv,
	}, nil
}

// RemoteKey returns the authenticated static key of the other side.
func (s *SecureStream) RemoteKey() crypto.PeerID {
	return s.remote
}

// RemoteAddr returns the network address of the other side.
func (s *SecureStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// WriteFrame encrypts and sends one frame.
func (s *SecureStream) WriteFrame(f *Frame) error {
	plain, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sealed, err := s.send.Encrypt(nil, nil, plain)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return writeMessage(s.conn, sealed)
}

// ReadFrame reads and decrypts one frame.
func (s *SecureStream) ReadFrame() (*Frame, error) {
	sealed, err := readMessage(s.reader)
	if err != nil {
		return nil, err
	}

	plain, err := s.recv.Decrypt(nil, nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return ParseFrame(plain)
}

// Close closes the underlying connection.
func (s *SecureStream) Close() error {
	return s.conn.Close()
}

// writeMessage writes a length-prefixed message.
func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > noise.MaxMsgLen {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(msg)))
	copy(buf[4:], msg)

	_, err := w.Write(buf)
	return err
}

// readMessage reads a length-prefixed message, tolerating partial reads.
func readMessage(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > noise.MaxMsgLen {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrFrameTooLarge, length)
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}
