package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/server/internal/auth"
	"sheetsync/server/internal/cache"
	"sheetsync/server/internal/gateway"
	"sheetsync/server/internal/ledger"
	"sheetsync/server/internal/model"
	"sheetsync/server/internal/realtime"
	"sheetsync/server/internal/session"
	"sheetsync/server/internal/txn"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	svc    *realtime.Service
	jwt    *auth.JWTValidator
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	jwt := auth.NewJWTValidator("test-secret", "")
	reg := session.NewRegistry(context.Background(), jwt, session.Limits{MaxPerUser: 2})
	svc, err := realtime.New(realtime.Options{
		Ledger:   ledger.New(ledger.NewInMemoryStore(), nil),
		Registry: reg,
		Cache:    cache.NewMemoryCache(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start())

	ws := gateway.NewServer(reg, svc.Router(true, time.Second), gateway.Config{})
	srv := httptest.NewServer(NewServer(svc, ws, Options{AllowedOrigins: []string{"http://sheet.local"}, Heartbeat: 50 * time.Millisecond}).Routes())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{svc: svc, jwt: jwt, server: srv}
}

func (e *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/socket"
	if user != "" {
		token, err := e.jwt.Sign(user, false, time.Minute)
		require.NoError(t, err)
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg map[string]any) *model.Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
	return readMessage(t, conn)
}

func readMessage(t *testing.T, conn *websocket.Conn) *model.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out model.Message
	require.NoError(t, conn.ReadJSON(&out))
	return &out
}

func TestHealthzAndCORS(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://sheet.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://sheet.local", resp.Header.Get("Access-Control-Allow-Origin"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, env.svc.NodeID(), body["node"])

	req, _ = http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestSocketRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	anon := env.dial(t, "")
	reply := roundTrip(t, anon, map[string]any{"action": "fetch", "collection": "rec_t", "id": "r1"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, model.CodeUnauthorized, reply.Error.Code)

	// 握手携带 token 后可以继续使用同一连接
	token, err := env.jwt.Sign("carol", false, time.Minute)
	require.NoError(t, err)
	hs := roundTrip(t, anon, map[string]any{"action": "hs", "data": map[string]any{"token": token}})
	require.Nil(t, hs.Error)
	assert.Contains(t, string(hs.Data), `"userId":"carol"`)

	reply = roundTrip(t, anon, map[string]any{"action": "fetch", "collection": "rec_t", "id": "r1"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, model.CodeDocumentNotFound, reply.Error.Code)
}

func TestSocketSubmitAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	sub := roundTrip(t, bob, map[string]any{"action": "subscribe", "collection": "rec_tbl1", "id": "r1"})
	require.Nil(t, sub.Error)
	assert.Equal(t, int64(0), *sub.Version)

	ack := roundTrip(t, alice, map[string]any{
		"action":     "submit",
		"collection": "rec_tbl1",
		"id":         "r1",
		"version":    0,
		"operations": []map[string]any{{"path": []any{"fields", "fld1"}, "oi": "hello"}},
	})
	require.Nil(t, ack.Error)
	assert.Equal(t, int64(1), *ack.Version)

	op := readMessage(t, bob)
	assert.Equal(t, model.ActionOp, op.Action)
	assert.Equal(t, int64(1), *op.Version)
	assert.Equal(t, "rec_tbl1", op.Collection)

	pong := roundTrip(t, bob, map[string]any{"action": "ping"})
	assert.Equal(t, model.ActionPong, pong.Action)
}

func TestSocketEnforcesPerUserLimit(t *testing.T) {
	env := newTestEnv(t)
	// 收到 pong 说明接入（含认证）已经完成
	for i := 0; i < 2; i++ {
		conn := env.dial(t, "dave")
		require.Equal(t, model.ActionPong, roundTrip(t, conn, map[string]any{"action": "ping"}).Action)
	}
	require.Equal(t, 1, env.svc.Registry().Users())

	third := env.dial(t, "dave")
	require.NoError(t, third.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := third.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, model.CodeServerOverloaded, closeErr.Text)
}

func TestFallbackStreamDeliversMatchingEvents(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/realtime?topic=table:tbl1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return env.svc.Stats(context.Background()).Fallback.Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	commit := func(coll string) {
		_, err := env.svc.WithTransaction(context.Background(), "alice", func(ctx context.Context, tc *txn.Context) error {
			tc.AddOperation(coll, "r1", txn.PendingDoc{Ops: []model.Operation{{Path: []any{"fields", "fld9"}, OI: json.RawMessage(`1`)}}})
			return nil
		})
		require.NoError(t, err)
	}
	commit("rec_other")
	commit("rec_tbl1")

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines <- line
			}
		}
		close(lines)
	}()

	select {
	case line := <-lines:
		var evt model.BusinessEvent
		require.NoError(t, json.Unmarshal([]byte(line), &evt))
		assert.Equal(t, model.EventRecordCreated, evt.Type)
		assert.Equal(t, "tbl1", evt.TableID)
		assert.Equal(t, []string{"fld9"}, evt.ChangedFields)
		assert.Equal(t, "alice", evt.UserID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event on the fallback stream")
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "erin")
	roundTrip(t, conn, map[string]any{"action": "ping"})

	resp, err := http.Get(env.server.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st realtime.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, env.svc.NodeID(), st.NodeID)
	assert.Equal(t, 1, st.Connections)
	assert.Equal(t, 1, st.Users)
	require.NotEmpty(t, st.Actions)
	assert.Equal(t, "ping", st.Actions[0].Action)
}

func TestShutdownReleasesOpenStreams(t *testing.T) {
	jwt := auth.NewJWTValidator("test-secret", "")
	reg := session.NewRegistry(context.Background(), jwt, session.Limits{AnonymousWrite: true})
	svc, err := realtime.New(realtime.Options{
		Ledger:   ledger.New(ledger.NewInMemoryStore(), nil),
		Registry: reg,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start())

	web := NewServer(svc, gateway.NewServer(reg, svc.Router(false, time.Second), gateway.Config{}), Options{Heartbeat: time.Hour})
	srv := web.HTTPServer("", time.Second)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	base := "http://" + ln.Addr().String()

	stream, err := http.Get(base + "/api/realtime")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	socket, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/socket", nil)
	require.NoError(t, err)
	defer socket.Close()
	roundTrip(t, socket, map[string]any{"action": "ping"})

	_, err = svc.WithTransaction(context.Background(), "dana", func(ctx context.Context, tc *txn.Context) error {
		tc.AddOperation("rec_tbl1", "r1", txn.PendingDoc{Ops: []model.Operation{{Path: []any{"fields", "f"}, OI: json.RawMessage(`1`)}}})
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, web.Shutdown(srv, 2*time.Second))
	assert.Less(t, time.Since(start), time.Second, "open streams must not hold shutdown until the deadline")
	assert.ErrorIs(t, <-served, http.ErrServerClosed)

	_, err = io.ReadAll(stream.Body)
	assert.NoError(t, err)
	require.NoError(t, socket.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = socket.ReadMessage()
	assert.Error(t, err)

	outbox := svc.Stats(context.Background()).Broadcast
	assert.Zero(t, outbox.Pending)
	assert.Equal(t, outbox.Enqueued, outbox.Processed)
}
