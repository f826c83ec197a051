package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
	"github.com/nextlevelbuilder/chatbridge/internal/store/sqlite"
)

func newBotsServer(t *testing.T, token string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	s, err := sqlite.NewBotStore(filepath.Join(t.TempDir(), "bots.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	var changes atomic.Int32
	mux := http.NewServeMux()
	NewBotsHandler(s, token, func() { changes.Add(1) }, mattermost.Factory{}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &changes
}

func do(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestBotsHandler_Lifecycle(t *testing.T) {
	srv, changes := newBotsServer(t, "admin")
	base := srv.URL + "/v1/bots"

	put := `{"message_provider":"mattermost","platform_config":{"server_url":"https://chat.example.com","token":"secret","channel":"town-square"}}`
	resp, body := do(t, http.MethodPut, base+"/sales-bot", "admin", put)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d (%v)", resp.StatusCode, body)
	}
	cfg := body["platform_config"].(map[string]any)
	if cfg["token"] != "***" || cfg["channel"] != "town-square" {
		t.Errorf("platform_config = %v", cfg)
	}
	if changes.Load() != 1 {
		t.Errorf("onChange calls = %d", changes.Load())
	}

	resp, body = do(t, http.MethodGet, base, "admin", "")
	if resp.StatusCode != http.StatusOK || body["total"].(float64) != 1 {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, base+"/sales-bot", "admin", "")
	if resp.StatusCode != http.StatusOK || body["enabled"] != true {
		t.Fatalf("get = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodDelete, base+"/sales-bot", "admin", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, base+"/sales-bot", "admin", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, base+"/sales-bot", "admin", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d", resp.StatusCode)
	}
	if changes.Load() != 2 {
		t.Errorf("onChange calls = %d", changes.Load())
	}
}

func TestBotsHandler_Rejects(t *testing.T) {
	srv, changes := newBotsServer(t, "admin")
	base := srv.URL + "/v1/bots"

	tests := []struct {
		name   string
		method string
		token  string
		body   string
		want   int
	}{
		{"no token", http.MethodGet, "", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "nope", "", http.StatusUnauthorized},
		{"bad json", http.MethodPut, "admin", `{`, http.StatusBadRequest},
		{"missing provider", http.MethodPut, "admin", `{"platform_config":{}}`, http.StatusBadRequest},
		{"unknown provider", http.MethodPut, "admin", `{"message_provider":"telegram","platform_config":{}}`, http.StatusBadRequest},
		{"invalid platform config", http.MethodPut, "admin", `{"message_provider":"mattermost","platform_config":{"server_url":"ftp://x","token":"t"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := base
			if tt.method == http.MethodPut {
				url += "/bot"
			}
			resp, _ := do(t, tt.method, url, tt.token, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if changes.Load() != 0 {
		t.Errorf("rejected writes triggered onChange")
	}
}

func TestBotsHandler_NotMountedWithoutToken(t *testing.T) {
	srv, changes := newBotsServer(t, "")
	put := `{"message_provider":"mattermost","platform_config":{"server_url":"https://chat.example.com","token":"secret"}}`

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		url := srv.URL + "/v1/bots"
		if method != http.MethodGet {
			url += "/sales-bot"
		}
		resp, _ := do(t, method, url, "", put)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", method, url, resp.StatusCode)
		}
	}
	if changes.Load() != 0 {
		t.Error("unauthenticated write reached the store")
	}
}
