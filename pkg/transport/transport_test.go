package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cirlog/modulo/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// drip delivers the underlying bytes one at a time, forcing the reader to
// accumulate across reads.
type drip struct {
	data []byte
	pos  int
}

func (d *drip) Read(p []byte) (int, error) {
	if d.pos >= len(d.data) {
		return 0, io.EOF
	}
	p[0] = d.data[d.pos]
	d.pos++
	return 1, nil
}

func TestFrameAccumulation(t *testing.T) {
	probe := newSizeProbe("id-1", "peer", 512)
	encoded, err := encodeFrame(probe)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	reader := newFrameReader(&drip{data: encoded})
	frame, err := reader.Next()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame.Header.Method != MethodSizeOf || frame.Header.ID != "id-1" {
		t.Errorf("unexpected header: %+v", frame.Header)
	}
	size, err := bodySize(frame.Body)
	if err != nil {
		t.Fatalf("body size failed: %v", err)
	}
	if size != 512 {
		t.Errorf("expected size 512, got %d", size)
	}
}

func TestFrameBackToBack(t *testing.T) {
	a, _ := encodeFrame(newSizeProbe("a", "peer", 1))
	b, _ := encodeFrame(newCloseSignal("b", "peer"))
	reader := newFrameReader(bytes.NewReader(append(a, b...)))

	first, err := reader.Next()
	if err != nil || first.Header.ID != "a" {
		t.Fatalf("first frame: %v %v", first, err)
	}
	second, err := reader.Next()
	if err != nil || second.Header.Method != MethodCloseSocket {
		t.Fatalf("second frame: %v %v", second, err)
	}
	if second.Body != closeBody {
		t.Errorf("close body: %v", second.Body)
	}
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Name: "test"})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if !stopped(srv.stopCh) {
			srv.Stop()
		}
	})
	return srv, srv.Addr().String()
}

func TestProbeAckPayloadRoundTrip(t *testing.T) {
	srv, addr := startServer(t)

	got := make(chan []byte, 1)
	srv.RegisterHandler("capture", func(frame *Frame, peer net.Addr) {
		if body, ok := frame.Body.([]byte); ok {
			got <- body
		}
	})

	client, err := NewClient(ClientConfig{Addr: addr, Receiver: "test"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	defer client.Close()

	payload := []byte("exact bytes \x00\x01\xff survive the trip")
	if err := client.Emit(payload); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	select {
	case body := <-got:
		if !bytes.Equal(body, payload) {
			t.Errorf("payload corrupted: %q vs %q", body, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("payload never arrived")
	}
}

func TestOrderedDeliveryThenClose(t *testing.T) {
	srv, addr := startServer(t)

	var mu sync.Mutex
	var sequences []float64
	received := make(chan struct{}, 8)
	srv.RegisterHandler("order", func(frame *Frame, peer net.Addr) {
		body, ok := frame.Body.([]byte)
		if !ok {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(body, &msg); err != nil {
			return
		}
		mu.Lock()
		sequences = append(sequences, msg["sequence"].(float64))
		mu.Unlock()
		received <- struct{}{}
	})

	client, _ := NewClient(ClientConfig{Addr: addr, Receiver: "test"})
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}

	client.Emit([]byte(`{"sequence":1,"note":"first"}`))
	client.Emit([]byte(`{"sequence":2,"note":"second"}`))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(3 * time.Second):
			t.Fatal("delivery stalled")
		}
	}

	mu.Lock()
	if len(sequences) != 2 || sequences[0] != 1 || sequences[1] != 2 {
		t.Errorf("out-of-order delivery: %v", sequences)
	}
	mu.Unlock()

	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// The close-signal ended the session; nothing further is processed.
	select {
	case <-received:
		t.Error("frame processed after close")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAckMismatchDeadLetters(t *testing.T) {
	// A hostile server acknowledging with the wrong bytes.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("NO"))
		time.Sleep(time.Second)
	}()

	deadLetterPath := filepath.Join(t.TempDir(), "dead.jsonl")
	client, _ := NewClient(ClientConfig{
		Addr:           listener.Addr().String(),
		Receiver:       "test",
		AutoReconnect:  false,
		DeadLetterPath: deadLetterPath,
	})
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	defer client.Close()

	if err := client.Emit([]byte("doomed")); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(deadLetterPath)
		if err == nil && len(data) > 0 {
			var entry map[string]any
			if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
				t.Fatalf("dead-letter entry is not valid JSON: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("envelope was never dead-lettered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUnreachablePeerWithoutReconnect(t *testing.T) {
	client, _ := NewClient(ClientConfig{Addr: "127.0.0.1:1", Receiver: "test"})
	err := client.Start()
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if _, ok := err.(*PeerUnreachableError); !ok {
		t.Errorf("expected PeerUnreachableError, got %T", err)
	}
}

func TestReconnectAcrossServerRestart(t *testing.T) {
	srv1, addr := startServer(t)

	got := make(chan []byte, 4)
	handler := func(frame *Frame, peer net.Addr) {
		if body, ok := frame.Body.([]byte); ok {
			got <- body
		}
	}
	srv1.RegisterHandler("h", handler)

	client, _ := NewClient(ClientConfig{Addr: addr, Receiver: "test", AutoReconnect: true})
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	defer client.Close()

	client.Emit([]byte("before"))
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("first delivery failed")
	}

	srv1.Stop()

	// Queued while the peer is down; must survive the restart.
	client.Emit([]byte("after"))

	srv2, err := NewServer(ServerConfig{Addr: addr, Name: "restarted"})
	if err != nil {
		t.Fatalf("failed to create second server: %v", err)
	}
	srv2.RegisterHandler("h", handler)
	if err := srv2.Start(); err != nil {
		t.Fatalf("failed to restart server: %v", err)
	}
	defer srv2.Stop()

	select {
	case body := <-got:
		if string(body) != "after" {
			t.Errorf("expected %q, got %q", "after", body)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("message lost across server restart")
	}
}

func TestSessionSurvivesBadPayload(t *testing.T) {
	srv, addr := startServer(t)

	got := make(chan []byte, 1)
	srv.RegisterHandler("h", func(frame *Frame, peer net.Addr) {
		if body, ok := frame.Body.([]byte); ok {
			got <- body
		}
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Probe for garbage that will not decode as a payload frame.
	garbage := []byte("\x00\x01 definitely not msgpack")
	probe, _ := encodeFrame(newSizeProbe("bad", "test", len(garbage)))
	conn.Write(probe)
	readAck(t, conn)
	conn.Write(garbage)

	// Same session, now a valid payload.
	valid, _ := encodePayload(&Frame{
		Header: Header{Method: MethodPayload, ID: "good", Receiver: "test", Content: ContentBytes, Status: StatusPending},
		Body:   []byte("still alive"),
	})
	probe2, _ := encodeFrame(newSizeProbe("good", "test", len(valid)))
	conn.Write(probe2)
	readAck(t, conn)
	conn.Write(valid)

	select {
	case body := <-got:
		if string(body) != "still alive" {
			t.Errorf("unexpected body %q", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not survive the bad payload")
	}
}

func TestBodySizeRejectsHostileValues(t *testing.T) {
	tests := []struct {
		name string
		body any
		ok   bool
	}{
		{"zero", int64(0), true},
		{"small", int64(512), true},
		{"at limit", int64(maxPayloadSize), true},
		{"negative int", -1, false},
		{"negative int64", int64(-1), false},
		{"negative float", float64(-7), false},
		{"over limit", int64(1) << 40, false},
		{"huge uint64", uint64(1) << 63, false},
		{"not a number", "512", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := bodySize(tt.body)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("accepted hostile size, got %d", n)
			}
			if _, ok := err.(*ProtocolError); !ok {
				t.Errorf("expected ProtocolError, got %T", err)
			}
		})
	}
}

func TestNegativeSizeProbeClosesOnlySession(t *testing.T) {
	srv, addr := startServer(t)

	got := make(chan []byte, 1)
	srv.RegisterHandler("h", func(frame *Frame, peer net.Addr) {
		if body, ok := frame.Body.([]byte); ok {
			got <- body
		}
	})

	// A hostile probe announcing a negative payload length. The server must
	// drop the session without acknowledging and without taking the process
	// down with it.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	hostile, _ := encodeFrame(&Frame{
		Header: Header{Method: MethodSizeOf, ID: "hostile", Content: ContentBytes, Status: StatusPending},
		Body:   -1,
	})
	conn.Write(hostile)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("server acknowledged a negative size-probe with %q", buf)
	}

	// A fresh connection still round-trips: the listener survived.
	client, _ := NewClient(ClientConfig{Addr: addr, Receiver: "test"})
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client after hostile probe: %v", err)
	}
	defer client.Close()
	if err := client.Emit([]byte("still serving")); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	select {
	case body := <-got:
		if string(body) != "still serving" {
			t.Errorf("unexpected body %q", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server stopped serving after hostile probe")
	}
}

func TestOversizedSizeProbeClosesOnlySession(t *testing.T) {
	srv, addr := startServer(t)

	alive := make(chan struct{}, 1)
	srv.RegisterHandler("h", func(frame *Frame, peer net.Addr) {
		alive <- struct{}{}
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	hostile, _ := encodeFrame(&Frame{
		Header: Header{Method: MethodSizeOf, ID: "hostile", Content: ContentBytes, Status: StatusPending},
		Body:   int64(1) << 40,
	})
	conn.Write(hostile)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("server acknowledged an oversized size-probe with %q", buf)
	}

	client, _ := NewClient(ClientConfig{Addr: addr, Receiver: "test"})
	if err := client.Start(); err != nil {
		t.Fatalf("failed to start client after hostile probe: %v", err)
	}
	defer client.Close()
	client.Emit([]byte("x"))
	select {
	case <-alive:
	case <-time.After(3 * time.Second):
		t.Fatal("server stopped serving after hostile probe")
	}
}

func TestUnsupportedMethodIgnored(t *testing.T) {
	srv, addr := startServer(t)

	got := make(chan struct{}, 1)
	srv.RegisterHandler("h", func(frame *Frame, peer net.Addr) {
		got <- struct{}{}
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	bogus, _ := encodeFrame(&Frame{Header: Header{Method: "bogus", ID: "x"}, Body: "?"})
	conn.Write(bogus)

	valid, _ := encodePayload(&Frame{
		Header: Header{Method: MethodPayload, ID: "ok", Content: ContentBytes, Status: StatusPending},
		Body:   []byte("x"),
	})
	probe, _ := encodeFrame(newSizeProbe("ok", "test", len(valid)))
	conn.Write(probe)
	readAck(t, conn)
	conn.Write(valid)

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not continue past unsupported method")
	}
}

func readAck(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("failed to read ack: %v", err)
	}
	if string(buf) != "OK" {
		t.Fatalf("unexpected ack %q", buf)
	}
}
