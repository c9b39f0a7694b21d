package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/security/token"
	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

var handlerTestKey = []byte("handler-test-key-handler-test-key!")

func newTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()

	svc := NewService(nil, NewInMemoryStore())
	h, err := NewHandler(nil, svc, token.Authenticator{Key: handlerTestKey})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, svc
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := token.Issue(handlerTestKey, userID, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return "Bearer " + tok
}

func doJSON(t *testing.T, method, url, auth string, payload any, out any) int {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHandler_RequiresAuth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	var er v1.ErrorResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/conversations", "", nil, &er); code != http.StatusUnauthorized {
		t.Fatalf("status=%d", code)
	}
	if er.Error.Code != v1.CodeUnauthorized {
		t.Fatalf("code=%q", er.Error.Code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/conversations", "Bearer junk", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("status=%d", code)
	}
}

func TestHandler_ConversationFlow(t *testing.T) {
	t.Parallel()

	srv, svc := newTestServer(t)
	if err := svc.SeedProfiles(context.Background(), []v1.Profile{
		{ID: "farmer", FirstName: "Amina", LastName: "Diallo"},
		{ID: "buyer", FirstName: "Lucas", LastName: "Bernard"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	buyer := bearer(t, "buyer")

	var started v1.FindOrCreateConversationResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations", buyer,
		v1.FindOrCreateConversationRequest{OtherUserID: "farmer"}, &started); code != http.StatusOK {
		t.Fatalf("start status=%d", code)
	}
	if started.ConversationID == "" {
		t.Fatalf("empty conversation id")
	}

	var again v1.FindOrCreateConversationResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/conversations", bearer(t, "farmer"),
		v1.FindOrCreateConversationRequest{OtherUserID: "buyer"}, &again)
	if again.ConversationID != started.ConversationID {
		t.Fatalf("find-or-create not idempotent: %q vs %q", again.ConversationID, started.ConversationID)
	}

	msgsURL := srv.URL + "/v1/conversations/" + started.ConversationID + "/messages"

	var sent v1.SendMessageResponse
	if code := doJSON(t, http.MethodPost, msgsURL, buyer, v1.SendMessageRequest{Content: "Bonjour"}, &sent); code != http.StatusCreated {
		t.Fatalf("send status=%d", code)
	}
	if sent.Message.Sender == nil || sent.Message.Sender.FirstName != "Lucas" {
		t.Fatalf("sender not joined: %+v", sent.Message)
	}

	var list v1.MessagesResponse
	if code := doJSON(t, http.MethodGet, msgsURL, buyer, nil, &list); code != http.StatusOK {
		t.Fatalf("list status=%d", code)
	}
	if len(list.Messages) != 1 || list.Messages[0].ID != sent.Message.ID {
		t.Fatalf("messages=%+v", list.Messages)
	}

	var convs v1.ConversationsResponse
	doJSON(t, http.MethodGet, srv.URL+"/v1/conversations", buyer, nil, &convs)
	if len(convs.Conversations) != 1 {
		t.Fatalf("conversations=%+v", convs.Conversations)
	}
	c := convs.Conversations[0]
	if c.OtherParticipant.ID != "farmer" || c.LastMessage == nil || c.LastMessage.Content != "Bonjour" {
		t.Fatalf("conversation=%+v", c)
	}

	var er v1.ErrorResponse
	if code := doJSON(t, http.MethodGet, msgsURL, bearer(t, "stranger"), nil, &er); code != http.StatusForbidden {
		t.Fatalf("stranger status=%d", code)
	}
	if er.Error.Code != v1.CodeForbidden {
		t.Fatalf("stranger code=%q", er.Error.Code)
	}
}

func TestHandler_ValidationErrors(t *testing.T) {
	t.Parallel()

	srv, svc := newTestServer(t)
	convID, _ := svc.StartConversation(context.Background(), "a", "b")
	auth := bearer(t, "a")

	cases := []struct {
		name    string
		method  string
		path    string
		payload any
		status  int
		code    string
	}{
		{name: "empty content", method: http.MethodPost, path: "/v1/conversations/" + convID + "/messages",
			payload: v1.SendMessageRequest{Content: "  "}, status: http.StatusBadRequest, code: v1.CodeValidation},
		{name: "unknown field", method: http.MethodPost, path: "/v1/conversations",
			payload: map[string]string{"other": "b"}, status: http.StatusBadRequest, code: v1.CodeValidation},
		{name: "self conversation", method: http.MethodPost, path: "/v1/conversations",
			payload: v1.FindOrCreateConversationRequest{OtherUserID: "a"}, status: http.StatusBadRequest, code: v1.CodeValidation},
		{name: "unknown conversation", method: http.MethodPost, path: "/v1/conversations/missing/messages",
			payload: v1.SendMessageRequest{Content: "hi"}, status: http.StatusNotFound, code: v1.CodeNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var er v1.ErrorResponse
			if code := doJSON(t, tc.method, srv.URL+tc.path, auth, tc.payload, &er); code != tc.status {
				t.Fatalf("status=%d want %d", code, tc.status)
			}
			if er.Error.Code != tc.code {
				t.Fatalf("code=%q want %q", er.Error.Code, tc.code)
			}
		})
	}
}

func TestHandler_SearchUsers(t *testing.T) {
	t.Parallel()

	srv, svc := newTestServer(t)
	_ = svc.SeedProfiles(context.Background(), []v1.Profile{
		{ID: "u1", FirstName: "Amina", LastName: "Diallo"},
		{ID: "u2", FirstName: "Amandine", LastName: "Roux"},
		{ID: "me", FirstName: "Amélie", LastName: "Caller"},
	})

	var out v1.SearchUsersResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/users/search?q=AM", bearer(t, "me"), nil, &out); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if len(out.Users) != 2 || out.Users[0].ID != "u1" || out.Users[1].ID != "u2" {
		t.Fatalf("users=%+v", out.Users)
	}

	out = v1.SearchUsersResponse{}
	doJSON(t, http.MethodGet, srv.URL+"/v1/users/search?q=", bearer(t, "me"), nil, &out)
	if out.Users == nil || len(out.Users) != 0 {
		t.Fatalf("blank query users=%+v", out.Users)
	}
}
