package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func TestHTTPFeedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != simplePricePath {
			t.Fatalf("路径错误: %s", r.URL.Path)
		}
		if r.URL.Query().Get("ids") != "bitcoin" {
			t.Fatalf("ids 参数错误: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":60000.5}}`))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(HTTPOptions{BaseURL: srv.URL, Asset: "bitcoin", Timeout: time.Second}, noopLogger())
	price, err := feed.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("60000.5")) {
		t.Fatalf("期望 60000.5, 实际 %s", price)
	}
}

func TestHTTPFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": map[string]string{"error_message": "rate limited"}})
	}))
	defer srv.Close()

	feed := NewHTTPFeed(HTTPOptions{BaseURL: srv.URL, Asset: "bitcoin"}, noopLogger())
	_, err := feed.FetchPrice(context.Background())
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("429 应返回错误信息, 实际 %v", err)
	}

	if _, err := NewHTTPFeed(HTTPOptions{BaseURL: srv.URL}, noopLogger()).FetchPrice(context.Background()); err == nil {
		t.Fatal("未配置 asset 应报错")
	}
}

func TestHTTPFeedMissingAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(HTTPOptions{BaseURL: srv.URL, Asset: "bitcoin"}, noopLogger())
	if _, err := feed.FetchPrice(context.Background()); err == nil {
		t.Fatal("响应缺少价格应报错")
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	feed := NewChainlinkFeed(ChainlinkOptions{}, noopLogger())
	if _, err := feed.FetchPrice(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	feed = NewChainlinkFeed(ChainlinkOptions{RPCURL: "http://localhost", AggregatorAddress: "nope"}, noopLogger())
	if _, err := feed.FetchPrice(context.Background()); err == nil {
		t.Fatal("非法合约地址应报错")
	}
}

func TestStreamFeedReceivesTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"24hrTicker","c":"61000.25"}`))
		// keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewStreamFeed(StreamOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), MaxAge: time.Minute}, noopLogger())
	if _, err := feed.FetchPrice(context.Background()); err == nil {
		t.Fatal("未收到推送前应报错")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		price, err := feed.FetchPrice(context.Background())
		if err == nil {
			if !price.Equal(decimal.RequireFromString("61000.25")) {
				t.Fatalf("期望 61000.25, 实际 %s", price)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("超时未收到推送价格")
}

func TestParseTick(t *testing.T) {
	if p, ok := parseTick([]byte(`{"price":12.5}`)); !ok || !p.Equal(decimal.RequireFromString("12.5")) {
		t.Fatal("数字价格应可解析")
	}
	if _, ok := parseTick([]byte(`{"result":null}`)); ok {
		t.Fatal("订阅回执不应被解析为价格")
	}
	if _, ok := parseTick([]byte(`not json`)); ok {
		t.Fatal("非法 JSON 不应被解析")
	}
}
