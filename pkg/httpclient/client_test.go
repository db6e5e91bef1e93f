package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testPayload はテスト用のレスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("クライアントが正常に生成されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:3002", 2*time.Second)
		if client.BaseURL() != "http://localhost:3002" {
			t.Errorf("baseURL = %q, want %q", client.BaseURL(), "http://localhost:3002")
		}
		if client.httpClient.Timeout != 2*time.Second {
			t.Errorf("Timeout = %v, want 2s", client.httpClient.Timeout)
		}
	})

	t.Run("タイムアウトが0の場合既定値が使われること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:3002", 0)
		if client.httpClient.Timeout != defaultTimeout {
			t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, defaultTimeout)
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にGETリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var gotPath, gotMethod string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotMethod = r.Method
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL, 0).GetJSON(context.Background(), "/api/items", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if gotMethod != http.MethodGet {
			t.Errorf("Method = %q, want %q", gotMethod, http.MethodGet)
		}
		if gotPath != "/api/items" {
			t.Errorf("Path = %q, want %q", gotPath, "/api/items")
		}
		if result.Name != "response" || result.Value != 200 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("サーバーが500エラーを返した場合にStatusErrorが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		}))
		defer ts.Close()

		err := New(ts.URL, 0).GetJSON(context.Background(), "/api/items", nil)
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("GetJSON() error = %v, want *StatusError", err)
		}
		if statusErr.StatusCode != http.StatusInternalServerError {
			t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusInternalServerError)
		}
	})

	t.Run("不正なJSONの場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not-json`))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL, 0).GetJSON(context.Background(), "/", &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // 即座にキャンセル

		if err := New(ts.URL, 0).GetJSON(ctx, "/", nil); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("接続できないサーバーの場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		if err := New("http://127.0.0.1:1", time.Second).GetJSON(context.Background(), "/", nil); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestHealth はHealth関数を検証する。
func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("正常なサービスの状態を取得できること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok","service":"notes"}`))
		}))
		defer ts.Close()

		status, err := New(ts.URL, 0).Health(context.Background())
		if err != nil {
			t.Fatalf("Health()でエラーが発生: %v", err)
		}
		if status.Service != "notes" {
			t.Errorf("Service = %q, want %q", status.Service, "notes")
		}
	})

	t.Run("statusがok以外の場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":"degraded","service":"notes"}`))
		}))
		defer ts.Close()

		if _, err := New(ts.URL, 0).Health(context.Background()); err == nil {
			t.Fatal("Health()がエラーを返すべきだが、nilが返った")
		}
	})
}
