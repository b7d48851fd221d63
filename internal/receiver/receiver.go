// Package receiver runs the AZRP service loop. It owns the UDP socket for
// the process lifetime, drives one session at a time to completion, and
// hands finished payloads to the storage and statistics sinks.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/azrp/internal/filetype"
	"github.com/1ureka/azrp/internal/monitor"
	"github.com/1ureka/azrp/internal/protocol"
	"github.com/1ureka/azrp/internal/session"
	"github.com/1ureka/azrp/internal/util"
)

var (
	// ErrReceiveTimeout is recorded when an active session goes quiet for
	// longer than the configured timeout. It is never returned.
	ErrReceiveTimeout = errors.New("receive timeout")

	// ErrSocketFailure wraps bind and unrecoverable I/O errors. It is the only
	// error Serve and ListenAndServe return.
	ErrSocketFailure = errors.New("socket failure")
)

// FileSaver stores a binary payload and returns where it went.
type FileSaver interface {
	Save(payload []byte, ext string, at time.Time) (string, error)
}

// TextShower presents a text payload.
type TextShower interface {
	Show(sessionID uint32, text string)
}

// StatsAppender records the packet counters of a completed session.
type StatsAppender interface {
	Append(at time.Time, sent, received int) error
}

// Observer is told about session lifecycle events.
type Observer interface {
	Publish(monitor.Event)
}

// NopObserver discards events.
type NopObserver struct{}

func (NopObserver) Publish(monitor.Event) {}

// Options configures Serve. Types, Files, Texts and Stats are required.
type Options struct {
	Timeout        time.Duration // read timeout while a session is active
	MaxMessageSize uint32        // largest SYN length accepted; 0 = no limit
	QuitToken      string        // text payload that stops Serve

	Types    *filetype.Table
	Files    FileSaver
	Texts    TextShower
	Stats    StatsAppender
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.QuitToken == "" {
		o.QuitToken = "quit"
	}
	if o.Types == nil {
		o.Types = filetype.Default()
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	return o
}

// ListenAndServe binds a UDP socket on addr and runs Serve on it. The socket
// is closed on every return path.
func ListenAndServe(ctx context.Context, addr string, opts Options) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", ErrSocketFailure, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: bind %s: %w", ErrSocketFailure, addr, err)
	}
	defer conn.Close()

	util.LogFields("UDP socket created",
		"local", conn.LocalAddr().String(),
		"timeout", opts.withDefaults().Timeout.String())

	return Serve(ctx, conn, opts)
}

// Serve reads datagrams from conn until the quit message arrives, ctx is
// cancelled (both return nil) or the socket fails (ErrSocketFailure).
// Protocol anomalies and receive timeouts are absorbed. Serve does not close
// conn.
func Serve(ctx context.Context, conn net.PacketConn, opts Options) error {
	opts = opts.withDefaults()
	l := &loop{
		conn: conn,
		opts: opts,
		sess: session.New(opts.MaxMessageSize),
		buf:  make([]byte, protocol.MaxDatagramSize),
	}

	// Unblock the pending read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		if err := l.armDeadline(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		n, from, err := conn.ReadFrom(l.buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.timeout()
				continue
			}
			return fmt.Errorf("%w: read: %w", ErrSocketFailure, err)
		}

		quit, err := l.handle(l.buf[:n], from)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// loop is the single-goroutine state of Serve.
type loop struct {
	conn net.PacketConn
	opts Options
	sess session.Session
	buf  []byte
}

// armDeadline sets the read deadline for the current phase: none while
// waiting for a SYN, bounded while a transfer is in flight or a teardown
// is waiting for retransmitted FINs.
func (l *loop) armDeadline() error {
	var deadline time.Time
	if l.sess.Active() || l.sess.State == session.Closing {
		deadline = time.Now().Add(l.opts.Timeout)
	}
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSocketFailure, err)
	}
	return nil
}

// handle processes one datagram. It reports true when the quit message was
// delivered.
func (l *loop) handle(data []byte, from net.Addr) (bool, error) {
	util.Stats.AddIn(len(data))

	peer, ok := from.(*net.UDPAddr)
	if !ok {
		l.drop(fmt.Errorf("%w: non-UDP source %v", session.ErrUnexpectedPacket, from))
		return false, nil
	}
	pkt, err := protocol.Decode(data)
	if err != nil {
		l.drop(err)
		return false, nil
	}

	prev := l.sess
	next, res := session.Apply(prev, pkt, peer, time.Now())
	l.sess = next

	restarted := errors.Is(res.Err, session.ErrSessionRestart)
	if res.Dropped() {
		l.drop(res.Err)
	}

	if res.Reply != nil {
		if err := l.send(res.Reply, peer); err != nil {
			return false, err
		}
	}

	switch {
	case restarted:
		util.Stats.AddAborted()
		util.LogWarning("%s session restarted by %s (abandoned %d/%d bytes)",
			util.SessionPrefix(prev.ID), peer, prev.BytesReceived, prev.TotalLength)
		l.publish(monitor.EventSessionRestart, prev, "")
		l.started()
	case prev.Active() && next.State == session.AwaitingSyn:
		l.abort(prev, res.Err)
	case !prev.Active() && next.State != prev.State && (next.Active() || next.State == session.Complete):
		l.started()
	}

	switch next.State {
	case session.Receiving:
		if res.Err == nil {
			util.LogDebug("%s Downloaded: %d/%d bytes",
				util.SessionPrefix(next.ID), next.BytesReceived, next.TotalLength)
		}
	case session.Complete:
		return l.complete(res.Delivery), nil
	case session.Closing:
		if prev.State != session.Closing {
			l.teardown()
		}
	}
	return false, nil
}

func (l *loop) started() {
	s := l.sess
	util.LogInfo("%s SYN from %s: %d bytes of %q", util.SessionPrefix(s.ID), s.Peer, s.TotalLength, s.FileType)
	l.publish(monitor.EventSessionStart, s, "")
}

// complete routes a finished payload to its sink, appends the statistics
// line and resets the session. It reports whether the payload was the quit
// message.
func (l *loop) complete(d *session.Delivery) bool {
	prefix := util.SessionPrefix(d.SessionID)
	kind := l.opts.Types.Resolve(d.FileType)

	var path string
	if kind.Text {
		l.opts.Texts.Show(d.SessionID, string(d.Payload))
	} else {
		var err error
		path, err = l.opts.Files.Save(d.Payload, kind.Ext, d.CompletedAt)
		if err != nil {
			util.LogError("%s failed to store payload: %v", prefix, err)
		} else {
			util.LogSuccess("%s Received file: %s", prefix, path)
		}
	}

	if err := l.opts.Stats.Append(d.CompletedAt, d.PacketsSent, d.PacketsReceived); err != nil {
		util.LogError("%s failed to write statistics: %v", prefix, err)
	}

	util.Stats.AddCompleted()
	l.publish(monitor.EventSessionComplete, l.sess, path)
	l.sess = l.sess.Reset()

	if kind.Text && string(d.Payload) == l.opts.QuitToken {
		util.LogInfo("%s quit message received, stopping", prefix)
		return true
	}
	return false
}

// teardown reports a FIN. The session stays in Closing so that a
// retransmitted FIN is acknowledged again, until the next SYN or the phase
// timeout.
func (l *loop) teardown() {
	s := l.sess
	util.Stats.AddAborted()
	util.LogInfo("%s FIN from %s, session closed after %d/%d bytes",
		util.SessionPrefix(s.ID), s.Peer, s.BytesReceived, s.TotalLength)
	l.publish(monitor.EventSessionTeardown, s, "")
}

// abort reports an active session that a transition discarded without a
// replacement.
func (l *loop) abort(s session.Session, cause error) {
	util.Stats.AddAborted()
	util.LogWarning("%s session abandoned after %d/%d bytes: %v",
		util.SessionPrefix(s.ID), s.BytesReceived, s.TotalLength, cause)
	l.publish(monitor.EventSessionAbort, s, "")
}

func (l *loop) timeout() {
	s := l.sess
	if s.State == session.Closing {
		util.LogDebug("%s teardown finished", util.SessionPrefix(s.ID))
		l.sess = session.Close(s).Reset()
		return
	}
	if !s.Active() {
		return
	}
	util.Stats.AddAborted()
	util.LogWarning("%s Message data was not received: %v after %v (%d/%d bytes)",
		util.SessionPrefix(s.ID), ErrReceiveTimeout, l.opts.Timeout, s.BytesReceived, s.TotalLength)
	l.publish(monitor.EventSessionTimeout, s, "")
	l.sess = s.Reset()
}

func (l *loop) send(pkt *protocol.Packet, to net.Addr) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrSocketFailure, pkt.Kind(), err)
	}
	if _, err := l.conn.WriteTo(data, to); err != nil {
		return fmt.Errorf("%w: send %s to %s: %w", ErrSocketFailure, pkt.Kind(), to, err)
	}
	util.Stats.AddOut(len(data))
	return nil
}

func (l *loop) drop(err error) {
	util.Stats.AddDrop()
	util.LogDebug("%s dropped packet: %v", util.SessionPrefix(l.sess.ID), err)
}

func (l *loop) publish(typ monitor.EventType, s session.Session, path string) {
	ev := monitor.Event{
		Type:            typ,
		Session:         fmt.Sprintf("%08x", s.ID),
		FileType:        s.FileType,
		Bytes:           s.BytesReceived,
		Total:           s.TotalLength,
		PacketsSent:     s.PacketsSent,
		PacketsReceived: s.PacketsReceived,
		Path:            path,
		Time:            time.Now(),
	}
	if s.Peer != nil {
		ev.Peer = s.Peer.String()
	}
	l.opts.Observer.Publish(ev)
}
