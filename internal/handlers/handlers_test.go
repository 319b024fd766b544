package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/mossy-p/skillswap-signaling/internal/store"
)

const (
	testSecret = "test-secret"
	testOrigin = "http://allowed.example"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
	mr    *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(rdb, time.Hour)
	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{testOrigin},
		JWTSecret:      testSecret,
	}

	srv := httptest.NewServer(NewRouter(cfg, st))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, mr: mr}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T, user string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: user, Password: "pw"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out LoginResponse
	decode(t, resp, &out)
	return out.Token
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLoginRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")

	resp := env.do(t, http.MethodPost, "/api/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create status = %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/sessions", alice, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created models.CreateSessionResponse
	decode(t, resp, &created)

	t.Run("get by code", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/sessions/"+created.Code, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var rec models.SessionRecord
		decode(t, resp, &rec)
		if rec.ID != created.SessionID || rec.Status != models.SessionStatusScheduled || rec.CreatorID != "alice" {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("list mine", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/sessions", alice, nil)
		var list models.ListSessionsResponse
		decode(t, resp, &list)
		if len(list.Sessions) != 1 || list.Sessions[0].ID != created.SessionID {
			t.Errorf("alice list = %+v", list)
		}

		resp = env.do(t, http.MethodGet, "/api/sessions", bob, nil)
		decode(t, resp, &list)
		if len(list.Sessions) != 0 {
			t.Errorf("bob list = %+v", list)
		}
	})

	t.Run("delete", func(t *testing.T) {
		resp := env.do(t, http.MethodDelete, "/api/sessions/"+created.SessionID, bob, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("stranger delete status = %d, want 403", resp.StatusCode)
		}

		resp = env.do(t, http.MethodDelete, "/api/sessions/"+created.SessionID, alice, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("creator delete status = %d, want 200", resp.StatusCode)
		}

		resp = env.do(t, http.MethodGet, "/api/sessions/"+created.Code, "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("code lookup after delete status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestGetUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{"ABCDEF", "no-such-session-token"} {
		resp := env.do(t, http.MethodGet, "/api/sessions/"+id, "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", id, resp.StatusCode)
		}
	}
}

func TestOriginFilter(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name   string
		method string
		origin string
		status int
		cors   bool
	}{
		{"no origin", http.MethodGet, "", http.StatusOK, false},
		{"allowed origin", http.MethodGet, testOrigin, http.StatusOK, true},
		{"foreign origin", http.MethodGet, "http://evil.example", http.StatusForbidden, false},
		{"preflight", http.MethodOptions, testOrigin, http.StatusNoContent, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, env.srv.URL+"/health", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			got := resp.Header.Get("Access-Control-Allow-Origin")
			if tc.cors && got != tc.origin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tc.origin)
			}
			if !tc.cors && got != "" {
				t.Errorf("unexpected Access-Control-Allow-Origin %q", got)
			}
		})
	}
}

// eventually polls cond until it holds or a short deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pendingFor(t *testing.T, st *store.Store, token string, role models.Role) int64 {
	t.Helper()
	n, err := st.Pending(context.Background(), token, role)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	return n
}

func wsURL(srv *httptest.Server, session, peer string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session/" + session
	if peer != "" {
		u += "?peer=" + peer
	}
	return u
}
