// Package quic carries frames over a single bidirectional QUIC stream per
// connection, each frame prefixed with its length as a big-endian uint32.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/transport"
)

const (
	// NextProto is the ALPN identifier both sides must agree on.
	NextProto = "scenesync"

	DefaultIdleTimeout = 30 * time.Second
	DefaultKeepAlive   = 15 * time.Second

	headerSize = 4
)

const (
	closeNormal quic.ApplicationErrorCode = 0
)

var _ transport.Conn = (*Conn)(nil)

// Conn is a QUIC connection with one frame stream.
type Conn struct {
	id     string
	conn   *quic.Conn
	stream *quic.Stream
	opts   transport.Options
	closed int32

	writeMu sync.Mutex
	header  [headerSize]byte
}

func newConn(conn *quic.Conn, stream *quic.Stream, opts transport.Options) *Conn {
	return &Conn{id: uuid.NewString(), conn: conn, stream: stream, opts: opts.Normalize()}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *Conn) IsClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

func (c *Conn) Send(frame []byte) error {
	if c.IsClosed() {
		return transport.ErrClosed
	}
	if err := transport.CheckFrame(frame, c.opts.MaxFrameSize); err != nil {
		return err
	}

	buf := make([]byte, headerSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[headerSize:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.stream.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if _, err := c.stream.Write(buf); err != nil {
		return protocol.WrapError(err, "failed to write frame")
	}
	return nil
}

// Receive reads the next length-prefixed frame. The payload of an oversized
// frame is skipped so the next frame can still be read.
func (c *Conn) Receive() ([]byte, error) {
	if c.IsClosed() {
		return nil, transport.ErrClosed
	}
	if _, err := io.ReadFull(c.stream, c.header[:]); err != nil {
		return nil, c.readError(err)
	}
	size := int64(binary.BigEndian.Uint32(c.header[:]))
	if size > int64(c.opts.MaxFrameSize) {
		if _, err := io.CopyN(io.Discard, c.stream, size); err != nil {
			return nil, c.readError(err)
		}
		return nil, protocol.NewProtocolError(protocol.ErrorCodeFrameTooLarge, "frame dropped",
			fmt.Errorf("%d bytes exceeds %d: %w", size, c.opts.MaxFrameSize, transport.ErrFrameTooLarge))
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.stream, frame); err != nil {
		return nil, c.readError(err)
	}
	return frame, nil
}

func (c *Conn) readError(err error) error {
	if c.IsClosed() || err == io.EOF {
		return transport.ErrClosed
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == closeNormal {
		return transport.ErrClosed
	}
	return protocol.WrapError(err, "failed to read frame")
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.stream.Close()
	c.writeMu.Unlock()
	return c.conn.CloseWithError(closeNormal, "connection closed")
}

// Listener accepts QUIC connections and hands them out once their frame
// stream is open.
type Listener struct {
	ln     *quic.Listener
	opts   transport.Options
	logger log.Log

	conns  chan *Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var _ transport.Listener = (*Listener)(nil)

// Listen starts a QUIC listener on addr. A nil tlsConfig gets a self-signed
// development certificate.
func Listen(addr string, tlsConfig *tls.Config, opts transport.Options, logger log.Log) (*Listener, error) {
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = GenerateSelfSignedTLS(); err != nil {
			return nil, protocol.WrapError(err, "failed to create TLS config")
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, protocol.WrapError(err, "failed to start QUIC listener")
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ln:     ln,
		opts:   opts.Normalize(),
		logger: log.OrProvide(logger).With(log.String("component", "quic")),
		conns:  make(chan *Conn, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.acceptConnections()
	l.logger.Info("QUIC listener started", log.String("address", l.Addr()))
	return l, nil
}

func (l *Listener) acceptConnections() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Error("QUIC accept failed", log.Error(err))
			}
			return
		}
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the client's frame stream. It becomes visible with
// the first frame the client writes.
func (l *Listener) acceptStream(conn *quic.Conn) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		l.logger.Debug("QUIC connection without a stream", log.String("remote", conn.RemoteAddr().String()), log.Error(err))
		_ = conn.CloseWithError(closeNormal, "no stream")
		return
	}
	c := newConn(conn, stream, l.opts)
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		_ = c.Close()
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, transport.ErrListenerDone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

// Dialer opens QUIC connections. A nil TLS config skips certificate
// verification, matching the self-signed listener default.
type Dialer struct {
	TLSConfig *tls.Config
	Options   transport.Options
}

var _ transport.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{NextProto}, MinVersion: tls.VersionTLS13}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		} else {
			tlsConfig.ServerName = addr
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, protocol.WrapError(err, "failed to dial QUIC connection")
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeNormal, "no stream")
		return nil, protocol.WrapError(err, "failed to open frame stream")
	}
	return newConn(conn, stream, d.Options), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  DefaultIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlive,
	}
}

// GenerateSelfSignedTLS generates a self-signed certificate for development.
func GenerateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"scenesync"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: privateKey}},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
