package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/larkbridge/larkbridge/internal/domain"
)

func testClient(srv *httptest.Server) *Client {
	u, _ := url.Parse(srv.URL)
	return NewClient(u.Host,
		Identity{DeviceID: "dev-1", WebID: "web-1", TeaUUID: "tea-1"},
		WithHTTPClient(srv.Client()),
		WithScheme("http"))
}

func TestStreamCompletion_RequestShape(t *testing.T) {
	var captured struct {
		query  url.Values
		cookie string
		body   chatRequest
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/samantha/chat/completion" {
			t.Errorf("path = %q", r.URL.Path)
		}
		captured.query = r.URL.Query()
		if c, err := r.Cookie("sessionid"); err == nil {
			captured.cookie = c.Value
		}
		if err := json.NewDecoder(r.Body).Decode(&captured.body); err != nil {
			t.Errorf("body decode: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {}\n\n")
	}))
	defer srv.Close()

	body, err := testClient(srv).StreamCompletion(context.Background(), "session-abc",
		&ChatPayload{Text: "hello"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	body.Close()

	if captured.cookie != "session-abc" {
		t.Errorf("session cookie = %q", captured.cookie)
	}
	for _, key := range []string{"aid", "device_id", "device_platform", "tea_uuid", "web_id", "samantha_web"} {
		if captured.query.Get(key) == "" {
			t.Errorf("device query missing %q", key)
		}
	}
	if captured.query.Get("device_id") != "dev-1" {
		t.Errorf("device_id = %q", captured.query.Get("device_id"))
	}

	msg := captured.body.Messages[0]
	if msg.ContentType != contentTypeText {
		t.Errorf("content_type = %d", msg.ContentType)
	}
	var content map[string]string
	if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
		t.Fatalf("content is not a JSON string payload: %v", err)
	}
	if content["text"] != "hello" {
		t.Errorf("text = %q", content["text"])
	}
	if !captured.body.CompletionOption.NeedCreateConversation {
		t.Error("fresh request must ask for a new conversation")
	}
	if captured.body.ConversationID != "0" {
		t.Errorf("conversation_id = %q, want 0 sentinel", captured.body.ConversationID)
	}
}

func TestStreamCompletion_ContinuedConversation(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {}\n\n")
	}))
	defer srv.Close()

	body, err := testClient(srv).StreamCompletion(context.Background(), "session-abc",
		&ChatPayload{Text: "more", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	body.Close()

	if captured.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q", captured.ConversationID)
	}
	if captured.CompletionOption.NeedCreateConversation {
		t.Error("continued request must not ask for a new conversation")
	}
}

func TestStreamCompletion_WrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"code":0}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).StreamCompletion(context.Background(), "session-abc",
		&ChatPayload{Text: "hello"})
	if err == nil {
		t.Fatal("expected error on non-SSE content type")
	}
	if domain.KindOf(err) != domain.ErrUpstreamRequestFailed {
		t.Errorf("kind = %s", domain.KindOf(err))
	}
	if !strings.Contains(err.Error(), "text/event-stream") {
		t.Errorf("error = %v", err)
	}
}

func TestStreamCompletion_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv).StreamCompletion(context.Background(), "session-abc",
		&ChatPayload{Text: "hello"})
	if err == nil {
		t.Fatal("expected error on 503")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %v", err)
	}
}

func TestDeleteConversation(t *testing.T) {
	var captured map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/samantha/thread/delete" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		io.WriteString(w, `{"code":0}`)
	}))
	defer srv.Close()

	if err := testClient(srv).DeleteConversation(context.Background(), "session-abc", "conv-1"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if captured["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %q", captured["conversation_id"])
	}
}

func TestDeleteConversation_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := testClient(srv).DeleteConversation(context.Background(), "session-abc", "conv-1"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestAcquireUploadCredential_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":710012,"msg":"login required"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).AcquireUploadCredential(context.Background(), "session-abc", "chat")
	if err == nil {
		t.Fatal("expected error on rejection code")
	}
	if !strings.Contains(err.Error(), "710012") {
		t.Errorf("error = %v", err)
	}
}
