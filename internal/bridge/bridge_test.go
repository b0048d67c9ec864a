package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/pavelanni/coursematerial/internal/protocol"
)

type fakeHandler struct {
	mu      sync.Mutex
	states  []protocol.CurrentState
	heights []float64
	links   []string
	files   map[string][]byte
	seen    chan string
	panicOn string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{seen: make(chan string, 64)}
}

func (f *fakeHandler) CurrentState(_ context.Context, m protocol.CurrentState) {
	if f.panicOn == protocol.KindCurrentState {
		f.seen <- protocol.KindCurrentState
		panic("boom")
	}
	f.mu.Lock()
	f.states = append(f.states, m)
	f.mu.Unlock()
	f.seen <- protocol.KindCurrentState
}

func (f *fakeHandler) SetFileUploads(_ context.Context, m protocol.SetFileUploads) {
	f.mu.Lock()
	f.files = m.Files
	f.mu.Unlock()
	f.seen <- protocol.KindSetFileUploads
}

func (f *fakeHandler) UploadFiles(ctx context.Context, m protocol.UploadFiles, reply Replier) {
	urls := map[string]string{}
	for name := range m.Files {
		urls[name] = "https://files.example.com/" + name
	}
	_ = reply.Reply(ctx, protocol.UploadResult{Success: true, URLs: urls})
	f.seen <- protocol.KindUploadFiles
}

func (f *fakeHandler) HeightChanged(_ context.Context, m protocol.HeightChanged) {
	f.mu.Lock()
	f.heights = append(f.heights, m.Height)
	f.mu.Unlock()
	f.seen <- protocol.KindHeightChanged
}

func (f *fakeHandler) OpenLink(_ context.Context, m protocol.OpenLink) {
	f.mu.Lock()
	f.links = append(f.links, m.URL)
	f.mu.Unlock()
	f.seen <- protocol.KindOpenLink
}

func (f *fakeHandler) wait(t *testing.T, kind string) {
	t.Helper()
	select {
	case got := <-f.seen:
		if got != kind {
			t.Fatalf("handler saw %q, want %q", got, kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", kind)
	}
}

func testState(n int) *protocol.IframeState {
	return &protocol.IframeState{
		ExerciseTaskID: uuid.MustParse("0f8f3a3c-5b1e-4c55-8d1a-6f1f7e1a2b3c"),
		Data:           protocol.ExerciseData{PublicSpec: json.RawMessage(fmt.Sprintf("[%d]", n))},
	}
}

// startBridge serves b over a pipe and returns the frame end of it.
func startBridge(t *testing.T, b *Bridge) *Channel {
	t.Helper()
	host, frame := Pipe(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx, host)
	}()
	t.Cleanup(func() {
		cancel()
		frame.Close()
		<-done
	})
	return frame
}

func post(t *testing.T, p *Port, raw string) {
	t.Helper()
	if err := p.Post(context.Background(), json.RawMessage(raw)); err != nil {
		t.Fatalf("post %s: %v", raw, err)
	}
}

func receive(t *testing.T, p *Port) protocol.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := p.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	msg, err := protocol.ParseOutbound(raw)
	if err != nil {
		t.Fatalf("ParseOutbound(%s): %v", raw, err)
	}
	return msg
}

func expectNothing(t *testing.T, p *Port) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if raw, err := p.Receive(ctx); err == nil {
		t.Fatalf("unexpected message %s", raw)
	}
}

func handshake(t *testing.T, frame *Channel) *Port {
	t.Helper()
	p := frame.Port(PrimaryPort)
	post(t, p, `{"message":"ready"}`)
	if _, ok := receive(t, p).(protocol.CommunicationPort); !ok {
		t.Fatal("first message after ready should be communication-port")
	}
	return p
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{Handler: newFakeHandler()})
	if !errors.Is(err, ErrMissingURL) {
		t.Fatalf("New() error = %v, want ErrMissingURL", err)
	}
}

func TestPushBeforeReadyKeepsLatestOnly(t *testing.T) {
	b, err := New(Config{URL: "https://plugin.example.com", Language: "fi", Handler: newFakeHandler()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := b.Push(ctx, testState(i)); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if !protocol.Equal(b.Latest(), testState(3)) {
		t.Errorf("Latest() is not the last pushed state")
	}

	p := handshake(t, startBridge(t, b))

	lang, ok := receive(t, p).(protocol.SetLanguage)
	if !ok || lang.Language != "fi" {
		t.Fatalf("expected set-language fi, got %#v", lang)
	}
	set, ok := receive(t, p).(protocol.SetState)
	if !ok {
		t.Fatal("expected set-state after set-language")
	}
	if !protocol.Equal(&set.State, testState(3)) {
		t.Errorf("flushed state is not the latest one")
	}
	expectNothing(t, p)

	// An identical push is not sent again; a different one is.
	if err := b.Push(ctx, testState(3)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	expectNothing(t, p)
	if err := b.Push(ctx, testState(4)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	set, ok = receive(t, p).(protocol.SetState)
	if !ok || !protocol.Equal(&set.State, testState(4)) {
		t.Errorf("expected state 4 to be pushed")
	}
}

func TestSetLanguageAfterAttach(t *testing.T) {
	b, err := New(Config{URL: "https://plugin.example.com", Language: "en", Handler: newFakeHandler()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := handshake(t, startBridge(t, b))
	if lang, ok := receive(t, p).(protocol.SetLanguage); !ok || lang.Language != "en" {
		t.Fatalf("expected set-language en, got %#v", lang)
	}

	if err := b.SetLanguage(context.Background(), "fi"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if lang, ok := receive(t, p).(protocol.SetLanguage); !ok || lang.Language != "fi" {
		t.Fatalf("expected set-language fi, got %#v", lang)
	}
}

func TestNilStateIsNotSent(t *testing.T) {
	b, err := New(Config{URL: "https://plugin.example.com", Handler: newFakeHandler()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := handshake(t, startBridge(t, b))
	if err := b.Push(context.Background(), nil); err != nil {
		t.Fatalf("Push(nil): %v", err)
	}
	expectNothing(t, p)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	h := newFakeHandler()
	b, err := New(Config{URL: "https://plugin.example.com", Handler: h})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := handshake(t, startBridge(t, b))

	post(t, p, `{"valid":true,"data":1}`)
	post(t, p, `{"message":"current-state","valid":"true","data":1}`)
	post(t, p, `{"message":"current-state","valid":true,"data":{"answer":7}}`)
	h.wait(t, protocol.KindCurrentState)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) != 1 {
		t.Fatalf("handler got %d states, want 1", len(h.states))
	}
	if string(h.states[0].Data) != `{"answer":7}` {
		t.Errorf("state data = %s", h.states[0].Data)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newFakeHandler()
	h.panicOn = protocol.KindCurrentState
	b, err := New(Config{URL: "https://plugin.example.com", Handler: h})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := handshake(t, startBridge(t, b))

	post(t, p, `{"message":"current-state","valid":true,"data":1}`)
	h.wait(t, protocol.KindCurrentState)
	post(t, p, `{"message":"height-changed","data":120}`)
	h.wait(t, protocol.KindHeightChanged)
}

func TestMessagesHandledInReceiptOrder(t *testing.T) {
	h := newFakeHandler()
	b, err := New(Config{URL: "https://plugin.example.com", Handler: h})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := handshake(t, startBridge(t, b))

	for i := 1; i <= 20; i++ {
		raw, _ := json.Marshal(protocol.HeightChanged{Height: float64(i)})
		post(t, p, string(raw))
	}
	for i := 0; i < 20; i++ {
		h.wait(t, protocol.KindHeightChanged)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, got := range h.heights {
		if got != float64(i+1) {
			t.Fatalf("heights[%d] = %v, want %d (order %v)", i, got, i+1, h.heights)
		}
	}
}

func TestUploadRepliesOnSecondaryPort(t *testing.T) {
	h := newFakeHandler()
	b, err := New(Config{URL: "https://plugin.example.com", Handler: h})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame := startBridge(t, b)
	p := handshake(t, frame)
	reply := frame.Port("upload-1")
	defer reply.Close()

	raw, _ := json.Marshal(protocol.UploadFiles{Files: map[string][]byte{"a.txt": []byte("hi")}, ReplyPort: "upload-1"})
	post(t, p, string(raw))

	res, ok := receive(t, reply).(protocol.UploadResult)
	if !ok {
		t.Fatal("expected upload-result on the reply port")
	}
	if !res.Success || res.URLs["a.txt"] != "https://files.example.com/a.txt" {
		t.Errorf("upload result = %+v", res)
	}
	expectNothing(t, p)
}

func TestRepeatedReadyIsAcknowledgedAgain(t *testing.T) {
	b, err := New(Config{URL: "https://plugin.example.com", Handler: newFakeHandler()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Push(context.Background(), testState(1)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	p := handshake(t, startBridge(t, b))
	if _, ok := receive(t, p).(protocol.SetState); !ok {
		t.Fatal("expected set-state")
	}

	post(t, p, `{"message":"ready"}`)
	if _, ok := receive(t, p).(protocol.CommunicationPort); !ok {
		t.Fatal("expected a second communication-port")
	}
	if _, ok := receive(t, p).(protocol.SetState); !ok {
		t.Fatal("state should be sent again after a repeated handshake")
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	b, err := New(Config{URL: "https://plugin.example.com", Handler: newFakeHandler(), HandshakeTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.WaitReady(context.Background()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("WaitReady() error = %v, want ErrHandshakeTimeout", err)
	}
	if b.Ready() {
		t.Error("Ready() should be false")
	}
}

func TestServeRejectsMissingHandshake(t *testing.T) {
	b, err := New(Config{URL: "https://plugin.example.com", Handler: newFakeHandler(), HandshakeTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	host, frame := Pipe(nil)
	defer frame.Close()
	if err := b.Serve(context.Background(), host); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Serve() error = %v, want ErrHandshakeTimeout", err)
	}
}

func dialFrame(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, err := websocket.Dial(wsURL, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var f frame
	if err := websocket.JSON.Receive(conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestHubServesFrameOverWebSocket(t *testing.T) {
	hub := NewHub(nil)
	h := newFakeHandler()
	b, err := New(Config{URL: "https://plugin.example.com", Handler: h})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hub.Register(b)
	if err := b.Push(context.Background(), testState(2)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		hub.ServeFrame(w, r, id)
	}))
	defer srv.Close()

	conn := dialFrame(t, srv.URL+"/"+b.ID().String())
	if err := websocket.JSON.Send(conn, frame{Data: json.RawMessage(`{"message":"ready"}`)}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	if f := readFrame(t, conn); !strings.Contains(string(f.Data), protocol.KindCommunicationPort) {
		t.Fatalf("first frame = %s, want communication-port", f.Data)
	}
	if f := readFrame(t, conn); !strings.Contains(string(f.Data), protocol.KindSetState) {
		t.Fatalf("second frame = %s, want set-state", f.Data)
	}

	if err := websocket.Message.Send(conn, "not json"); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	if err := websocket.JSON.Send(conn, frame{Data: json.RawMessage(`{"message":"open-link","data":"https://example.com/docs"}`)}); err != nil {
		t.Fatalf("send open-link: %v", err)
	}
	h.wait(t, protocol.KindOpenLink)
	if err := b.WaitReady(context.Background()); err != nil {
		t.Errorf("WaitReady: %v", err)
	}
}

func TestHubUnknownFrame(t *testing.T) {
	hub := NewHub(nil)
	rec := httptest.NewRecorder()
	hub.ServeFrame(rec, httptest.NewRequest(http.MethodGet, "/", nil), uuid.New())
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
