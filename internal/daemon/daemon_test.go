package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/cache"
	"convo/internal/repository"
	"convo/internal/status"
	"convo/internal/transport"
	"convo/internal/transport/memory"
)

type testEnv struct {
	server *Server
	client *memory.Client
	repo   *repository.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	machine := status.NewMachine(b)
	client := memory.New("me")
	repo := repository.New(db, client, b, machine, zap.NewNop(), "me", 30)
	srv := NewServer(Params{ProfileName: "test", Listen: "127.0.0.1:0"}, zap.NewNop(), repo, machine, b)
	t.Cleanup(func() {
		repo.Close()
		_ = client.Close()
		_ = db.Close()
	})
	return &testEnv{server: srv, client: client, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		State    string `json:"state"`
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Identity != "me" {
		t.Errorf("identity = %q, want me", resp.Identity)
	}
	if resp.State != string(status.Booting) {
		t.Errorf("state = %q, want BOOTING", resp.State)
	}
}

func TestSendAndListMessages(t *testing.T) {
	env := newTestEnv(t)
	env.client.SeedConversation(transport.Conversation{Sid: "CH1"},
		[]transport.Participant{{Identity: "me"}}, nil)

	w := env.do(t, http.MethodPost, "/v1/conversations/CH1/messages", map[string]string{"body": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d, body = %s", w.Code, w.Body.String())
	}
	var sent struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.UUID == "" {
		t.Fatal("no uuid returned")
	}

	w = env.do(t, http.MethodGet, "/v1/conversations/CH1/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listed struct {
		Messages []struct {
			UUID       string `json:"uuid"`
			Body       string `json:"body"`
			SendStatus string `json:"send_status"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Messages) != 1 || listed.Messages[0].Body != "hello" {
		t.Fatalf("messages = %+v, want the sent message", listed.Messages)
	}
	if listed.Messages[0].SendStatus != "sent" {
		t.Errorf("send_status = %q, want sent", listed.Messages[0].SendStatus)
	}
}

func TestSendMediaMessage(t *testing.T) {
	env := newTestEnv(t)
	env.client.SeedConversation(transport.Conversation{Sid: "CH1"},
		[]transport.Participant{{Identity: "me"}}, nil)

	w := env.do(t, http.MethodPost, "/v1/conversations/CH1/media", map[string]any{
		"body":         "holiday pics",
		"filename":     "beach.jpg",
		"content_type": "image/jpeg",
		"size":         4096,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("media send status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/v1/conversations/CH1/messages", nil)
	var listed struct {
		Messages []struct {
			Body  string `json:"body"`
			Media struct {
				Filename    string `json:"filename"`
				ContentType string `json:"content_type"`
				Size        int64  `json:"size"`
			} `json:"media"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Messages) != 1 {
		t.Fatalf("messages = %+v, want the media message", listed.Messages)
	}
	m := listed.Messages[0]
	if m.Media.Filename != "beach.jpg" || m.Media.ContentType != "image/jpeg" || m.Media.Size != 4096 {
		t.Errorf("media = %+v, want the posted descriptor", m.Media)
	}
}

func TestSendMediaMissingDescriptorRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/conversations/CH1/media", map[string]string{"body": "no file"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSetFriendlyName(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/me/friendly-name", map[string]string{"friendly_name": "Maria"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if n := env.client.Calls(memory.OpSetFriendlyName); n != 1 {
		t.Errorf("SetFriendlyName calls = %d, want 1", n)
	}

	w = env.do(t, http.MethodPost, "/v1/me/friendly-name", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want 400", w.Code)
	}
}

func TestSendMissingBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/conversations/CH1/messages", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/conversations", map[string]string{"friendly_name": "team"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, http.MethodGet, "/v1/conversations/"+created.Sid, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var conv struct {
		FriendlyName string `json:"friendly_name"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatal(err)
	}
	if conv.FriendlyName != "team" {
		t.Errorf("friendly_name = %q, want team", conv.FriendlyName)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/conversations/CHnope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMuteActionSurfacesTypedError(t *testing.T) {
	env := newTestEnv(t)
	// Unknown sid makes the transport call fail.
	w := env.do(t, http.MethodPost, "/v1/conversations/CHnope/mute", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var resp struct {
		Reason string `json:"reason"`
		Code   int    `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reason != "conversation_mute_failed" {
		t.Errorf("reason = %q, want conversation_mute_failed", resp.Reason)
	}
	if resp.Code == 0 {
		t.Error("code missing from error response")
	}
}

func TestLeaveThenListExcludesConversation(t *testing.T) {
	env := newTestEnv(t)
	env.client.SeedConversation(transport.Conversation{Sid: "CH1"},
		[]transport.Participant{{Identity: "me"}}, nil)

	// Prime the cache through the sync path.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.repo.JoinConversation(ctx, "CH1"); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/v1/conversations/CH1/leave", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leave status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/v1/conversations", nil)
	var listed struct {
		Conversations []struct {
			Sid string `json:"sid"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Conversations) != 0 {
		t.Errorf("conversations = %+v, want empty after leave", listed.Conversations)
	}
}
