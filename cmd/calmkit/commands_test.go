package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"calmkit/internal/client"
	"calmkit/internal/config"
	"calmkit/internal/keymgr"
	"calmkit/internal/localstore"
	"calmkit/internal/passphrase"
)

func TestDescribeJob(t *testing.T) {
	tests := []struct {
		name string
		job  *passphrase.Job
		want string
	}{
		{name: "no job yet", want: "Re-encrypting logs..."},
		{name: "total unknown", job: &passphrase.Job{State: passphrase.StateStarting}, want: "Re-encrypting logs (starting)..."},
		{name: "running", job: &passphrase.Job{State: passphrase.StateRunning, Total: 10, Processed: 3, Skipped: 1}, want: "Re-encrypting logs: 40% (4/10, running)"},
		{name: "errors", job: &passphrase.Job{State: passphrase.StateCompleted, Total: 4, Processed: 3, Errors: 1}, want: "Re-encrypting logs: 100% (4/4, completed), 1 errors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeJob(tt.job); got != tt.want {
				t.Fatalf("describeJob() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &client.APIError{Status: 409, Code: "JOB_IN_FLIGHT", Msg: "Wait for the passcode change to finish"}, want: "Wait for the passcode change to finish"},
		{err: client.ErrNoToken, want: "not logged in; run calmkit login"},
		{err: keymgr.ErrLocked, want: "logs are locked; run calmkit unlock or pass -passcode"},
		{err: errors.New("boom"), want: "boom"},
	}
	for _, tt := range tests {
		if got := describe(tt.err); got != tt.want {
			t.Errorf("describe(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run(context.Background(), &env{}, "bogus", nil); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func testClientConfig(t *testing.T, apiURL string) config.ClientConfig {
	t.Helper()
	return config.ClientConfig{
		APIURL:       apiURL,
		DataDir:      t.TempDir(),
		SessionID:    "test",
		SessionDir:   t.TempDir(),
		SessionTTL:   time.Minute,
		PollInterval: 5 * time.Millisecond,
		GraceDelay:   time.Millisecond,
	}
}

func openEnv(t *testing.T, cfg config.ClientConfig) *env {
	t.Helper()
	e, err := newEnv(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newEnv() error = %v", err)
	}
	return e
}

func TestUnlockCarriesAcrossInvocations(t *testing.T) {
	ctx := context.Background()
	cfg := testClientConfig(t, "http://127.0.0.1:0")

	first := openEnv(t, cfg)
	if err := first.local.Set(ctx, localstore.TokenKey, "tok_1"); err != nil {
		t.Fatalf("Set(token) error = %v", err)
	}
	if err := cmdUnlock(ctx, first, []string{"-passcode", "1234"}); err != nil {
		t.Fatalf("unlock error = %v", err)
	}
	raw, _ := json.Marshal(moodEntry{Emotion: "calm", Intensity: 3})
	ciphertext, keyID, err := first.keys.Encrypt(raw)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	first.close()

	var (
		mu     sync.Mutex
		tokens []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens = append(tokens, r.Header.Get("x-auth-token"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"logs": []client.Log{{
				ID:         "log_1",
				Ciphertext: ciphertext,
				KeyID:      keyID,
				CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
		})
	}))
	defer srv.Close()
	cfg.APIURL = srv.URL

	second := openEnv(t, cfg)
	defer second.close()
	if err := cmdLogs(ctx, second, nil); err != nil {
		t.Fatalf("logs in a new invocation error = %v", err)
	}
	key, err := second.keys.Key()
	if err != nil || key.ID() != keyID {
		t.Fatalf("Key() = %v, %v; want key %s", key, err, keyID)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "tok_1" {
		t.Fatalf("tokens sent = %v", tokens)
	}
}

func TestLogoutLocksNextInvocation(t *testing.T) {
	ctx := context.Background()
	cfg := testClientConfig(t, "http://127.0.0.1:0")

	first := openEnv(t, cfg)
	if err := cmdUnlock(ctx, first, []string{"-passcode", "1234"}); err != nil {
		t.Fatalf("unlock error = %v", err)
	}
	if err := first.session.End(ctx); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	first.close()

	second := openEnv(t, cfg)
	defer second.close()
	if err := cmdLogs(ctx, second, nil); !errors.Is(err, keymgr.ErrLocked) {
		t.Fatalf("logs after session end error = %v, want ErrLocked", err)
	}
}

func TestRegisterWithPasscodeRunsChange(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, "register")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true,"token":"tok_new","user":{"id":"usr_1","username":"sam","email":"sam@example.com"}}`))
	})
	mux.HandleFunc("PUT /passphrase", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, "passphrase:"+r.Header.Get("x-auth-token")+":"+body["passcode"])
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("GET /passphrase/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, "status")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true,"job":{"id":"job_1","state":"completed","total":0}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	e := openEnv(t, testClientConfig(t, srv.URL))
	defer e.close()

	args := []string{"-username", "sam", "-email", "sam@example.com", "-password", "longenough", "-passcode", "2468"}
	if err := cmdRegister(ctx, e, args); err != nil {
		t.Fatalf("register error = %v", err)
	}
	if token, _, _ := e.local.Get(ctx, localstore.TokenKey); token != "tok_new" {
		t.Fatalf("stored token = %q", token)
	}
	if code, ok, _ := e.session.Get(ctx, keymgr.PasscodeStorageKey); !ok || code != "2468" {
		t.Fatalf("session passcode = %q, %v", code, ok)
	}
	if !e.keys.HasDerivedKey() {
		t.Fatal("expected the new key to be cached")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 3 || calls[0] != "register" || calls[1] != "passphrase:tok_new:2468" || calls[2] != "status" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestRegisterRejectsBadPasscodeBeforeSignup(t *testing.T) {
	e := &env{}
	err := cmdRegister(context.Background(), e, []string{"-username", "sam", "-passcode", "12"})
	if !errors.Is(err, keymgr.ErrInvalidPasscode) {
		t.Fatalf("register error = %v, want ErrInvalidPasscode", err)
	}
}
