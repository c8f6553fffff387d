package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type staticToken string

func (s staticToken) Current() (string, bool) { return string(s), s != "" }

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ReceiverID != "u2" || req.ChatID != "" {
			t.Errorf("request = %+v, want receiverId only", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "m1", "chatId": "c1", "senderId": "u1",
			"content": req.Content, "timestamp": "2024-03-01T12:00:00Z", "status": "sent",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), zap.NewNop())
	msg, err := c.SendMessage(context.Background(), SendMessageRequest{ReceiverID: "u2", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m1" || msg.ChatID != "c1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestMessagesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("chatId") != "c1" || q.Get("limit") != "20" || q.Get("offset") != "40" {
			t.Errorf("query = %v", q)
		}
		_, _ = w.Write([]byte(`[{"id":"m1","chatId":"c1","senderId":"u2","content":"a","timestamp":"2024-03-01T12:00:00Z","status":"sent"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), zap.NewNop())
	msgs, err := c.Messages(context.Background(), "c1", 20, 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestChats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{
			"id":"c1","createdAt":"2024-03-01T10:00:00Z",
			"otherParticipants":[{"id":"u2","username":"bea","email":"b@x.dev"}],
			"lastMessage":{"id":"m9","chatId":"c1","senderId":"u2","content":"yo","timestamp":"2024-03-01T12:00:00Z","status":"delivered"},
			"unreadCount":3
		}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), zap.NewNop())
	chats, err := c.Chats(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("chats = %+v", chats)
	}
	got := chats[0]
	if got.UnreadCount != 3 || got.LastMessage == nil || got.LastMessage.ID != "m9" {
		t.Errorf("chat = %+v", got)
	}
	if len(got.OtherParticipants) != 1 || got.OtherParticipants[0].Username != "bea" {
		t.Errorf("participants = %+v", got.OtherParticipants)
	}
}

func TestSearchUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("search"); got != "bea" {
			t.Errorf("search = %q", got)
		}
		_, _ = w.Write([]byte(`[{"id":"u2","username":"bea","email":"b@x.dev"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), zap.NewNop())
	users, err := c.SearchUsers(context.Background(), "bea")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "u2" || users[0].Username != "bea" {
		t.Errorf("users = %+v", users)
	}
}

func TestUserByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/u2" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"u2","username":"bea","email":"b@x.dev"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), zap.NewNop())
	u, err := c.UserByID(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "bea" || u.Email != "b@x.dev" {
		t.Errorf("user = %+v", u)
	}
}

func TestErrorBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token","details":"expired"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok"), zap.NewNop())
	_, err := c.Me(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "invalid token" || apiErr.Details != "expired" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestErrorBodyUnparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>gateway</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken(""), zap.NewNop())
	_, err := c.Chats(context.Background(), 0, 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d", apiErr.Status)
	}
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present := r.Header["Authorization"]; present {
			t.Error("Authorization header set without a token")
		}
		_, _ = w.Write([]byte(`{"message":"ok","token":"t1","user":{"id":"u1","username":"jam","email":"j@x.dev"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken(""), zap.NewNop())
	auth, err := c.Login(context.Background(), "j@x.dev", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if auth.Token != "t1" || auth.User.ID != "u1" {
		t.Errorf("auth = %+v", auth)
	}
}
