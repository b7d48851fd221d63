package receiver_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/azrp/internal/filetype"
	"github.com/1ureka/azrp/internal/monitor"
	"github.com/1ureka/azrp/internal/protocol"
	"github.com/1ureka/azrp/internal/receiver"
	"github.com/1ureka/azrp/internal/store"
)

// textRecorder captures text deliveries.
type textRecorder chan string

func (r textRecorder) Show(_ uint32, text string) { r <- text }

// eventRecorder captures observer events.
type eventRecorder chan monitor.Event

func (r eventRecorder) Publish(ev monitor.Event) { r <- ev }

type harness struct {
	addr   net.Addr
	dir    string
	log    string
	texts  textRecorder
	events eventRecorder
	done   chan error
	cancel context.CancelFunc
}

func startReceiver(t *testing.T, timeout time.Duration, configure ...func(*receiver.Options)) *harness {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	dir := t.TempDir()
	h := &harness{
		addr:   conn.LocalAddr(),
		dir:    filepath.Join(dir, "received"),
		log:    filepath.Join(dir, "log.txt"),
		texts:  make(textRecorder, 16),
		events: make(eventRecorder, 64),
		done:   make(chan error, 1),
	}
	opts := receiver.Options{
		Timeout:  timeout,
		Types:    filetype.Default(),
		Files:    store.FileSink{Dir: h.dir},
		Texts:    h.texts,
		Stats:    store.StatsLog{Path: h.log},
		Observer: h.events,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- receiver.Serve(ctx, conn, opts) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return h
}

// peer is a sender endpoint talking to the receiver under test.
type peer struct {
	t    *testing.T
	conn *net.UDPConn
}

func dialPeer(t *testing.T, addr net.Addr) *peer {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(pkt *protocol.Packet) {
	p.t.Helper()
	data, err := protocol.Encode(pkt)
	if err != nil {
		p.t.Fatalf("Encode: %v", err)
	}
	p.sendRaw(data)
}

func (p *peer) sendRaw(data []byte) {
	p.t.Helper()
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("Write: %v", err)
	}
}

func (p *peer) expect(flags uint8, seq, length uint32) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := p.conn.Read(buf)
	if err != nil {
		p.t.Fatalf("waiting for reply: %v", err)
	}
	pkt, err := protocol.Decode(buf[:n])
	if err != nil {
		p.t.Fatalf("Decode reply: %v", err)
	}
	if !pkt.Valid() {
		p.t.Fatalf("reply %s has a bad checksum", pkt.Kind())
	}
	if pkt.Flags != flags || pkt.Seq != seq || pkt.Length != length {
		p.t.Fatalf("reply = %s(flags=%#x, seq=%d, length=%d), want flags=%#x seq=%d length=%d",
			pkt.Kind(), pkt.Flags, pkt.Seq, pkt.Length, flags, seq, length)
	}
}

// expectSilence asserts that no reply arrives within d.
func (p *peer) expectSilence(d time.Duration) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(d))
	buf := make([]byte, protocol.MaxDatagramSize)
	if n, err := p.conn.Read(buf); err == nil {
		pkt, _ := protocol.Decode(buf[:n])
		p.t.Fatalf("unexpected reply %v", pkt)
	}
}

func (h *harness) waitEvent(t *testing.T, typ monitor.EventType) monitor.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event within 5s", typ)
		}
	}
}

func (h *harness) waitText(t *testing.T) string {
	t.Helper()
	select {
	case text := <-h.texts:
		return text
	case <-time.After(5 * time.Second):
		t.Fatal("no text delivered within 5s")
		return ""
	}
}

const (
	synAck = protocol.FlagSyn | protocol.FlagAck
	ack    = protocol.FlagAck
	finAck = protocol.FlagFin | protocol.FlagAck
)

func TestTextMessageEndToEnd(t *testing.T) {
	h := startReceiver(t, time.Second)
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(1000, 11, "text/plain"))
	p.expect(synAck, 1000, 11)

	p.send(protocol.Data(1000, []byte("hello ")))
	p.expect(ack, 1006, 11)
	p.send(protocol.Data(1006, []byte("world")))
	p.expect(ack, 1011, 11)

	if got := h.waitText(t); got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}
	ev := h.waitEvent(t, monitor.EventSessionComplete)
	if ev.Bytes != 11 || ev.Total != 11 || ev.Path != "" {
		t.Errorf("complete event = %+v", ev)
	}

	data, err := os.ReadFile(h.log)
	if err != nil {
		t.Fatalf("stats log: %v", err)
	}
	if !strings.HasSuffix(string(data), " - Packets sent: 3; packets received: 3\n") {
		t.Errorf("stats log = %q", data)
	}
}

func TestBinaryFileOutOfOrder(t *testing.T) {
	h := startReceiver(t, time.Second)
	p := dialPeer(t, h.addr)

	const isn = 0xFFFFFFF0 // wraps during the transfer
	payload := []byte("\x89PNG\r\n\x1a\nabcdefghijklmnopqrstuvwxyz")
	chunks := []struct{ off, end int }{{24, 34}, {8, 16}, {8, 16}, {0, 8}, {16, 24}}

	p.send(protocol.Syn(isn, uint32(len(payload)), "image/png"))
	p.expect(synAck, isn, uint32(len(payload)))

	for _, c := range chunks {
		seq := uint32(isn) + uint32(c.off)
		p.send(protocol.Data(seq, payload[c.off:c.end]))
		p.expect(ack, uint32(isn)+uint32(c.end), uint32(len(payload)))
	}

	ev := h.waitEvent(t, monitor.EventSessionComplete)
	if filepath.Ext(ev.Path) != ".png" || filepath.Dir(ev.Path) != h.dir {
		t.Fatalf("stored path = %q", ev.Path)
	}
	got, err := os.ReadFile(ev.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("file content = %q, want %q", got, payload)
	}
}

func TestTimeoutReturnsToAwaitingSyn(t *testing.T) {
	h := startReceiver(t, 150*time.Millisecond)
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(50, 4, "text/plain"))
	p.expect(synAck, 50, 4)

	ev := h.waitEvent(t, monitor.EventSessionTimeout)
	if ev.Bytes != 0 || ev.Total != 4 {
		t.Errorf("timeout event = %+v", ev)
	}

	// The abandoned session is gone: its DATA is ignored.
	p.send(protocol.Data(50, []byte("late")))
	p.expectSilence(100 * time.Millisecond)

	p.send(protocol.Syn(900, 2, "text/plain"))
	p.expect(synAck, 900, 2)
	p.send(protocol.Data(900, []byte("ok")))
	p.expect(ack, 902, 2)
	if got := h.waitText(t); got != "ok" {
		t.Errorf("text = %q", got)
	}
}

func TestQuitMessageStopsServe(t *testing.T) {
	h := startReceiver(t, time.Second)
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(7, 4, "text/plain; charset=utf-8"))
	p.expect(synAck, 7, 4)
	p.send(protocol.Data(7, []byte("quit")))
	p.expect(ack, 11, 4)

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
		h.done <- nil // for cleanup
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept running after the quit message")
	}
}

func TestQuitAsFileDoesNotStop(t *testing.T) {
	h := startReceiver(t, time.Second)
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(7, 4, "application/octet-stream"))
	p.expect(synAck, 7, 4)
	p.send(protocol.Data(7, []byte("quit")))
	p.expect(ack, 11, 4)
	h.waitEvent(t, monitor.EventSessionComplete)

	select {
	case err := <-h.done:
		t.Fatalf("Serve returned %v after a binary quit payload", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGarbageIsIgnored(t *testing.T) {
	h := startReceiver(t, time.Second)
	p := dialPeer(t, h.addr)

	p.sendRaw([]byte{0x01, 0x02, 0x03})

	corrupt, _ := protocol.Encode(protocol.Syn(1, 1, "text/plain"))
	corrupt[len(corrupt)-1] ^= 0xFF
	p.sendRaw(corrupt)

	p.send(protocol.Data(1, []byte("x")))
	p.expectSilence(100 * time.Millisecond)

	p.send(protocol.Syn(1, 1, "text/plain"))
	p.expect(synAck, 1, 1)
}

func TestRestartAbandonsPartialData(t *testing.T) {
	h := startReceiver(t, time.Second)
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(100, 6, "text/plain"))
	p.expect(synAck, 100, 6)
	p.send(protocol.Data(100, []byte("abc")))
	p.expect(ack, 103, 6)

	p.send(protocol.Syn(500, 3, "text/plain"))
	p.expect(synAck, 500, 3)
	ev := h.waitEvent(t, monitor.EventSessionRestart)
	if ev.Bytes != 3 || ev.Total != 6 {
		t.Errorf("restart event = %+v", ev)
	}

	p.send(protocol.Data(500, []byte("xyz")))
	p.expect(ack, 503, 3)
	if got := h.waitText(t); got != "xyz" {
		t.Errorf("text = %q, want %q", got, "xyz")
	}
}

func TestFinTearsDownAndKeepsServing(t *testing.T) {
	h := startReceiver(t, time.Second)
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(10, 8, "text/plain"))
	p.expect(synAck, 10, 8)
	p.send(protocol.Fin(10))
	p.expect(finAck, 10, 0)
	h.waitEvent(t, monitor.EventSessionTeardown)

	// The FIN-ACK may be lost; a retransmitted FIN is answered again.
	p.send(protocol.Fin(10))
	p.expect(finAck, 10, 0)
	p.send(protocol.Fin(10))
	p.expect(finAck, 10, 0)

	p.send(protocol.Syn(20, 2, "text/plain"))
	p.expect(synAck, 20, 2)
	p.send(protocol.Data(20, []byte("hi")))
	p.expect(ack, 22, 2)
	if got := h.waitText(t); got != "hi" {
		t.Errorf("text = %q", got)
	}
}

func TestTeardownEndsAfterTimeout(t *testing.T) {
	h := startReceiver(t, 150*time.Millisecond)
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(10, 8, "text/plain"))
	p.expect(synAck, 10, 8)
	p.send(protocol.Fin(10))
	p.expect(finAck, 10, 0)

	// Past the timeout the session is gone and a late FIN is ignored.
	time.Sleep(400 * time.Millisecond)
	p.send(protocol.Fin(10))
	p.expectSilence(100 * time.Millisecond)

	p.send(protocol.Syn(30, 1, "text/plain"))
	p.expect(synAck, 30, 1)
}

func TestOversizedSynAbortsActiveSession(t *testing.T) {
	h := startReceiver(t, time.Second, func(o *receiver.Options) {
		o.MaxMessageSize = 8
	})
	p := dialPeer(t, h.addr)

	p.send(protocol.Syn(1, 4, "text/plain"))
	p.expect(synAck, 1, 4)
	p.send(protocol.Data(1, []byte("ab")))
	p.expect(ack, 3, 4)

	p.send(protocol.Syn(100, 100, "text/plain"))
	p.expectSilence(100 * time.Millisecond)

	ev := h.waitEvent(t, monitor.EventSessionAbort)
	if ev.Bytes != 2 || ev.Total != 4 {
		t.Errorf("abort event = %+v", ev)
	}

	// Nothing of the abandoned transfer is left.
	p.send(protocol.Data(3, []byte("cd")))
	p.expectSilence(100 * time.Millisecond)

	p.send(protocol.Syn(200, 2, "text/plain"))
	p.expect(synAck, 200, 2)
}

func TestForeignPeerIsIgnored(t *testing.T) {
	h := startReceiver(t, time.Second)
	owner := dialPeer(t, h.addr)
	intruder := dialPeer(t, h.addr)

	owner.send(protocol.Syn(10, 4, "text/plain"))
	owner.expect(synAck, 10, 4)

	intruder.send(protocol.Data(10, []byte("evil")))
	intruder.expectSilence(100 * time.Millisecond)

	owner.send(protocol.Data(10, []byte("good")))
	owner.expect(ack, 14, 4)
	if got := h.waitText(t); got != "good" {
		t.Errorf("text = %q", got)
	}
}

func TestListenAndServeBindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer taken.Close()

	err = receiver.ListenAndServe(context.Background(), taken.LocalAddr().String(), receiver.Options{})
	if !errors.Is(err, receiver.ErrSocketFailure) {
		t.Fatalf("err = %v, want ErrSocketFailure", err)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	opts := receiver.Options{
		Files: store.FileSink{Dir: dir},
		Texts: store.TextSink{},
		Stats: store.StatsLog{Path: filepath.Join(dir, "log.txt")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- receiver.ListenAndServe(ctx, "127.0.0.1:0", opts) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
