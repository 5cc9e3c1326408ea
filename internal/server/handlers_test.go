package server

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/testhelpers"
)

func TestIndexHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/plain")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "livechat server is running!" {
		t.Errorf("unexpected body: %q", body)
	}

	missing := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/nope")
	defer missing.Body.Close()
	testhelpers.AssertStatusCode(t, missing, http.StatusNotFound)
}

func TestHealthHandlerReportsRegistry(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/healthz")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "application/json")

	var health struct {
		Status        string `json:"status"`
		Conversations int    `json:"conversations"`
		Sinks         int    `json:"sinks"`
	}
	testhelpers.DecodeJSON(t, resp, &health)
	if health.Status != "ok" || health.Conversations != 0 || health.Sinks != 0 {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestSendMessageAssignsID(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testhelpers.PostJSON(t, env.ts.URL+"/send-message", map[string]string{
		"sender": "alice", "recipient": "bob", "content": "hi",
	})
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var out sendResponse
	testhelpers.DecodeJSON(t, resp, &out)
	if out.ID != 1 || out.Message.ID != 1 {
		t.Errorf("expected id 1, got %d / %d", out.ID, out.Message.ID)
	}
	if out.Message.Sender != "alice" || out.Message.Recipient != "bob" || out.Message.Content != "hi" {
		t.Errorf("unexpected message: %+v", out.Message)
	}
	if out.Message.CreatedAt.IsZero() {
		t.Error("expected a server timestamp")
	}
}

func TestSendMessageRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"sender":`},
		{"missing content", `{"sender":"alice","recipient":"bob"}`},
		{"missing recipient", `{"sender":"alice","content":"hi"}`},
		{"blank content", `{"sender":"alice","recipient":"bob","content":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.ts.URL+"/send-message", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)

			var body errorResponse
			testhelpers.DecodeJSON(t, resp, &body)
			if body.Code != chat.CodeInvalidRequest {
				t.Errorf("expected code %s, got %s", chat.CodeInvalidRequest, body.Code)
			}
		})
	}
}

func TestSendMessageMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/send-message")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", allow)
	}
}

func TestSendMessageStorageUnavailable(t *testing.T) {
	env := newTestEnvWith(t, testConfig(), failingAppender{})

	resp := testhelpers.PostJSON(t, env.ts.URL+"/send-message", map[string]string{
		"sender": "alice", "recipient": "bob", "content": "hi",
	})
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusServiceUnavailable)

	var body errorResponse
	testhelpers.DecodeJSON(t, resp, &body)
	if body.Code != chat.CodeStorageUnavailable {
		t.Errorf("expected code %s, got %s", chat.CodeStorageUnavailable, body.Code)
	}
}

func TestSendMessageRateLimitedPerSender(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})
	send := func(sender string) *http.Response {
		return testhelpers.PostJSON(t, env.ts.URL+"/send-message", map[string]string{
			"sender": sender, "recipient": "bob", "content": "hi",
		})
	}

	for i := 0; i < 2; i++ {
		resp := send("alice")
		resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	}

	limited := send("alice")
	defer limited.Body.Close()
	testhelpers.AssertStatusCode(t, limited, http.StatusTooManyRequests)
	if limited.Header.Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}

	other := send("carol")
	defer other.Body.Close()
	testhelpers.AssertStatusCode(t, other, http.StatusOK)
}

func TestChatReturnsHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	first := testhelpers.SendMessage(t, env.ts.URL, "alice", "bob", "one")
	testhelpers.SendMessage(t, env.ts.URL, "bob", "alice", "two")
	testhelpers.SendMessage(t, env.ts.URL, "alice", "carol", "elsewhere")
	testhelpers.SendMessage(t, env.ts.URL, "alice", "bob", "three")

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/chat?currentUser=bob&targetUser=alice")
	defer resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var out historyResponse
	testhelpers.DecodeJSON(t, resp, &out)
	if out.CurrentUser != "bob" || out.TargetUser != "alice" {
		t.Errorf("unexpected participants: %+v", out)
	}
	var contents []string
	for _, m := range out.ChatHistory {
		contents = append(contents, m.Content)
	}
	if strings.Join(contents, ",") != "one,two,three" {
		t.Errorf("unexpected history: %v", contents)
	}

	after := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/chat?currentUser=bob&targetUser=alice&after=1&limit=1")
	defer after.Body.Close()
	var page historyResponse
	testhelpers.DecodeJSON(t, after, &page)
	if len(page.ChatHistory) != 1 || page.ChatHistory[0].ID <= first.ID || page.ChatHistory[0].Content != "two" {
		t.Errorf("unexpected page: %+v", page.ChatHistory)
	}
}

func TestChatEmptyHistoryIsArray(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/chat?currentUser=alice&targetUser=bob")
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"chatHistory":[]`) {
		t.Errorf("expected an empty array, got %s", body)
	}
}

func TestChatRejectsBadParameters(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, query := range []string{
		"currentUser=alice",
		"currentUser=alice&targetUser=bob&after=-1",
		"currentUser=alice&targetUser=bob&after=abc",
		"currentUser=alice&targetUser=bob&limit=-3",
	} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, env.ts.URL+"/chat?"+query)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", query, resp.StatusCode)
		}
	}
}
