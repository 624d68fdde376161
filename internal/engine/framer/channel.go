package framer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/danmuck/fixgate/internal/transport"
	"github.com/rs/zerolog"
)

var ErrSupplierClosed = errors.New("framer: channel supplier closed")

// TcpChannel is one counterparty connection.
type TcpChannel interface {
	RemoteAddress() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// TcpChannelSupplier hands the framer newly accepted connections and dials
// outbound ones.
type TcpChannelSupplier interface {
	// ForEachChannel passes every connection accepted since the last call
	// to fn without blocking, and returns how many there were.
	ForEachChannel(now time.Time, fn func(now time.Time, ch TcpChannel)) int
	Open(ctx context.Context, address string) (TcpChannel, error)
	Close() error
}

type netChannel struct {
	net.Conn
}

func (c netChannel) RemoteAddress() string {
	return c.RemoteAddr().String()
}

// NetChannelSupplier accepts on a TCP listener from its own goroutine and
// queues connections for the framer.
type NetChannelSupplier struct {
	ln       net.Listener
	accepted chan net.Conn
	dialer   net.Dialer
	security transport.Config
	done     chan struct{}
	logger   zerolog.Logger
}

// Listen binds address. An empty address yields a supplier that only dials.
// With TLS enabled in security, accepted and dialled connections both use it.
func Listen(address string, backlog int, connectTimeout time.Duration, security transport.Config, logger zerolog.Logger) (*NetChannelSupplier, error) {
	s := &NetChannelSupplier{
		accepted: make(chan net.Conn, max(backlog, 1)),
		dialer:   net.Dialer{Timeout: connectTimeout},
		security: security,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "channels").Logger(),
	}
	if address == "" {
		return s, nil
	}
	tlsCfg, err := security.AcceptorTLS()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.ln = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsCfg != nil).Msg("channels.Listen")
	go s.acceptLoop()
	return s, nil
}

// Addr is the bound listener address, or nil for a dial-only supplier.
func (s *NetChannelSupplier) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *NetChannelSupplier) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Warn().Err(err).Msg("channels.acceptLoop stopped")
			return
		}
		select {
		case s.accepted <- conn:
		case <-s.done:
			_ = conn.Close()
			return
		}
	}
}

func (s *NetChannelSupplier) ForEachChannel(now time.Time, fn func(time.Time, TcpChannel)) int {
	n := 0
	for {
		select {
		case conn := <-s.accepted:
			fn(now, netChannel{Conn: conn})
			n++
		default:
			return n
		}
	}
}

func (s *NetChannelSupplier) Open(ctx context.Context, address string) (TcpChannel, error) {
	select {
	case <-s.done:
		return nil, ErrSupplierClosed
	default:
	}
	tlsCfg, err := s.security.InitiatorTLS(address)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		d := tls.Dialer{NetDialer: &s.dialer, Config: tlsCfg}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return netChannel{Conn: conn}, nil
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return netChannel{Conn: conn}, nil
}

func (s *NetChannelSupplier) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	for {
		select {
		case conn := <-s.accepted:
			_ = conn.Close()
		default:
			return err
		}
	}
}

type dialResult struct {
	ch  TcpChannel
	err error
}

// pendingDial is an outbound connect running on its own goroutine. The
// framer polls it from a unit of work so a slow dial or TLS handshake never
// stalls the duty cycle.
type pendingDial struct {
	cancel context.CancelFunc
	result chan dialResult
}

func (f *Framer) startDial(sessionID int64, address string) *pendingDial {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ConnectTimeout)
	d := &pendingDial{cancel: cancel, result: make(chan dialResult, 1)}
	channels := f.channels
	go func() {
		ch, err := channels.Open(ctx, address)
		d.result <- dialResult{ch: ch, err: err}
	}()
	f.dials[sessionID] = d
	return d
}

// poll returns the outcome once the dial has finished.
func (d *pendingDial) poll() (dialResult, bool) {
	select {
	case r := <-d.result:
		d.cancel()
		return r, true
	default:
		return dialResult{}, false
	}
}

// abandon cancels the dial and closes whatever it still produces.
func (d *pendingDial) abandon() {
	d.cancel()
	go func() {
		if r := <-d.result; r.ch != nil {
			_ = r.ch.Close()
		}
	}()
}
