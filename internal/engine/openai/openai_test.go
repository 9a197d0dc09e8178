package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/engine"
	"github.com/voxgate/voxgate/internal/engine/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startEngineServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startEngineServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// connect dials the test server and fails the test on error.
func connect(t *testing.T, srv *httptest.Server, opts ...openai.Option) engine.Session {
	t.Helper()
	opts = append(opts, openai.WithBaseURL(wsURL(srv)))
	d := openai.NewDialer("key", opts...)
	sess, err := d.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// waitEvent consumes events until one of the given type arrives.
func waitEvent(t *testing.T, sess engine.Session, typ engine.EventType) engine.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %q", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %q", typ)
		}
	}
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv)

	select {
	case h := <-headers:
		if got := h.Get("Authorization"); got != "Bearer key" {
			t.Errorf("Authorization = %q; want Bearer key", got)
		}
		if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestWithModel_SetsModelInURL(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, openai.WithModel("gpt-4o-mini-realtime"))

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_EmitsConnectedEvent(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	waitEvent(t, sess, engine.EventConnected)
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.NewDialer("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Connect(ctx); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

func TestUpdateSession_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice        string `json:"voice"`
			Instructions string `json:"instructions"`
			Tools        []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	cfg := engine.SessionConfig{
		Instructions: "You are a helpful voice assistant.",
		Voice:        "alloy",
		Tools:        []engine.ToolDefinition{{Name: "Search", Description: "Searches the web"}},
	}
	if err := sess.UpdateSession(context.Background(), cfg); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.Instructions != "You are a helpful voice assistant." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q; want pcm16/pcm16",
				msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if len(msg.Session.Tools) != 1 || msg.Session.Tools[0].Name != "Search" {
			t.Errorf("tools = %+v; want one Search tool", msg.Session.Tools)
		} else if msg.Session.Tools[0].Type != "function" {
			t.Errorf("tool type = %q; want function", msg.Session.Tools[0].Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestCreateConversationItem_SendsItemCreate(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	received := make(chan itemMsg, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg itemMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	item := engine.ConversationItem{
		Type: "message",
		Role: "user",
		Content: []engine.ContentPart{
			{Type: "input_text", Text: "Hello!"},
		},
	}
	if err := sess.CreateConversationItem(context.Background(), item); err != nil {
		t.Fatalf("CreateConversationItem: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "conversation.item.create" {
			t.Errorf("type = %q; want conversation.item.create", msg.Type)
		}
		if msg.Item.Role != "user" {
			t.Errorf("item role = %q; want user", msg.Item.Role)
		}
		if len(msg.Item.Content) != 1 || msg.Item.Content[0].Text != "Hello!" {
			t.Errorf("item content = %+v", msg.Item.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation.item.create")
	}
}

func TestCreateResponse_SendsToolChoice(t *testing.T) {
	t.Parallel()

	type responseMsg struct {
		Type     string `json:"type"`
		Response struct {
			ToolChoice string `json:"tool_choice"`
		} `json:"response"`
	}

	received := make(chan responseMsg, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg responseMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	if err := sess.CreateResponse(context.Background(), engine.ToolChoiceNone); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "response.create" {
			t.Errorf("type = %q; want response.create", msg.Type)
		}
		if msg.Response.ToolChoice != "none" {
			t.Errorf("tool_choice = %q; want none", msg.Response.ToolChoice)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestAppendInputAudio_SendsBufferAppend(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	received := make(chan appendMsg, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg appendMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	if err := sess.AppendInputAudio(context.Background(), "UENNMTY="); err != nil {
		t.Fatalf("AppendInputAudio: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		if msg.Audio != "UENNMTY=" {
			t.Errorf("audio = %q; want UENNMTY=", msg.Audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for input_audio_buffer.append")
	}
}

func TestCancelResponse_SendsResponseCancel(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &msg)
		received <- msg.Type
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	if err := sess.CancelResponse(context.Background()); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}

	select {
	case typ := <-received:
		if typ != "response.cancel" {
			t.Errorf("type = %q; want response.cancel", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.cancel")
	}
}

func TestDeleteConversationItem_SendsItemDelete(t *testing.T) {
	t.Parallel()

	type deleteMsg struct {
		Type   string `json:"type"`
		ItemID string `json:"item_id"`
	}

	received := make(chan deleteMsg, 1)
	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg deleteMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	if err := sess.DeleteConversationItem(context.Background(), "item_42"); err != nil {
		t.Fatalf("DeleteConversationItem: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "conversation.item.delete" {
			t.Errorf("type = %q; want conversation.item.delete", msg.Type)
		}
		if msg.ItemID != "item_42" {
			t.Errorf("item_id = %q; want item_42", msg.ItemID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation.item.delete")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_AudioDelta(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":    "response.audio.delta",
			"item_id": "item_1",
			"delta":   "QUJDRA==",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	ev := waitEvent(t, sess, engine.EventResponseAudioDelta)
	if ev.ItemID != "item_1" {
		t.Errorf("item id = %q; want item_1", ev.ItemID)
	}
	if ev.Delta != "QUJDRA==" {
		t.Errorf("delta = %q; want QUJDRA==", ev.Delta)
	}
}

func TestEvents_UserTranscription(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"item_id":    "item_7",
			"transcript": "turn on the lights",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	ev := waitEvent(t, sess, engine.EventTranscriptionCompleted)
	if ev.Transcript != "turn on the lights" {
		t.Errorf("transcript = %q; want turn on the lights", ev.Transcript)
	}
	if ev.ItemID != "item_7" {
		t.Errorf("item id = %q; want item_7", ev.ItemID)
	}
}

func TestEvents_FunctionCallArguments(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_1",
			"name":      "Search",
			"arguments": `{"query":"weather"}`,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	ev := waitEvent(t, sess, engine.EventFunctionCallArguments)
	if ev.CallID != "call_1" || ev.Name != "Search" {
		t.Errorf("call = %q/%q; want call_1/Search", ev.CallID, ev.Name)
	}
	if ev.Arguments != `{"query":"weather"}` {
		t.Errorf("arguments = %q", ev.Arguments)
	}
}

func TestEvents_ItemCreatedCarriesItem(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type": "conversation.item.created",
			"item": map[string]any{
				"id":   "item_3",
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "audio", "transcript": "hello"},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	ev := waitEvent(t, sess, engine.EventItemCreated)
	if ev.Item == nil {
		t.Fatal("event item is nil")
	}
	if ev.Item.ID != "item_3" {
		t.Errorf("item id = %q; want item_3", ev.Item.ID)
	}
	if !ev.Item.HasAudio() {
		t.Error("item should report audio content")
	}
}

func TestEvents_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "audio_unintelligible",
				"message": "Could not understand audio.",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	ev := waitEvent(t, sess, engine.EventError)
	if ev.Err == nil {
		t.Fatal("error event without detail")
	}
	if ev.Err.Code != "audio_unintelligible" {
		t.Errorf("code = %q; want audio_unintelligible", ev.Err.Code)
	}
	if !strings.Contains(ev.Err.Message, "Could not understand audio") {
		t.Errorf("message = %q", ev.Err.Message)
	}
}

func TestEvents_UnknownTypesDropped(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	waitEvent(t, sess, engine.EventConnected)

	// The unknown event is swallowed; the next delivered event is the
	// translated response.done.
	select {
	case ev := <-sess.Events():
		if ev.Type != engine.EventResponseDone {
			t.Errorf("event type = %q; want %q", ev.Type, engine.EventResponseDone)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.done")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestWrite_AfterClose_ReturnsErrNotConnected(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv)
	_ = sess.Close()

	err := sess.CreateResponse(context.Background(), engine.ToolChoiceAuto)
	if err == nil {
		t.Fatal("CreateResponse after Close should return an error")
	}
	if !strings.Contains(err.Error(), engine.ErrNotConnected.Error()) {
		t.Errorf("error = %v; want ErrNotConnected", err)
	}
}

func TestEvents_ClosedAfterServerDisconnect(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusNormalClosure, "server going away")
	})

	sess := connect(t, srv)
	waitEvent(t, sess, engine.EventConnected)
	waitEvent(t, sess, engine.EventClose)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after disconnect")
		}
	}
}

func TestConcurrentCommands_DoNotRace(t *testing.T) {
	t.Parallel()

	srv := startEngineServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	sess := connect(t, srv)

	const goroutines = 8
	const perGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range perGoroutine {
				_ = sess.AppendInputAudio(context.Background(), "QUJD")
			}
		})
	}
	wg.Wait()
}
