package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teletun/teletun/pkg/log"
)

const testToken = "12345:TESTTOKEN"

func testContext(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := dlog.WithLogger(context.Background(), log.NewTestLogger(t, dlog.LogLevelDebug))
	return context.WithTimeout(ctx, timeout)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/bot", testToken)
}

func writeOK(w http.ResponseWriter, result interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
}

func writeError(w http.ResponseWriter, code int, description string, retryAfter int) {
	w.WriteHeader(code)
	body := map[string]interface{}{"ok": false, "error_code": code, "description": description}
	if retryAfter > 0 {
		body["parameters"] = map[string]int{"retry_after": retryAfter}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func TestClient_SendText(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	var gotPath string
	var gotBody map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeOK(w, map[string]interface{}{"message_id": 1})
	}))

	require.NoError(t, c.SendText(ctx, "-100123", "CONNECT a1b2 example.com 443"))
	assert.Equal(t, "/bot"+testToken+"/sendMessage", gotPath)
	assert.Equal(t, "-100123", gotBody["chat_id"])
	assert.Equal(t, "CONNECT a1b2 example.com 443", gotBody["text"])
}

func TestClient_SendTextRetriesRateLimit(t *testing.T) {
	ctx, cancel := testContext(t, 10*time.Second)
	defer cancel()

	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeError(w, http.StatusTooManyRequests, "Too Many Requests", 1)
			return
		}
		writeOK(w, map[string]interface{}{"message_id": 1})
	}))

	require.NoError(t, c.SendText(ctx, "-100123", "hello"))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_SendTextDoesNotRetryAuthFailure(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeError(w, http.StatusUnauthorized, "Unauthorized", 0)
	}))

	err := c.SendText(ctx, "-100123", "hello")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_PollUpdates(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	var gotQuery map[string][]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		gotQuery = r.URL.Query()
		writeOK(w, []map[string]interface{}{
			{"update_id": 41, "message": map[string]interface{}{
				"message_id": 7, "text": "OK a1b2 c3d4", "chat": map[string]int64{"id": -100123},
			}},
			{"update_id": 42, "channel_post": map[string]interface{}{
				"message_id": 8, "text": "RECV c3d4 0 aGk=", "chat": map[string]int64{"id": -100123},
			}},
		})
	}))

	updates, err := c.PollUpdates(ctx, 41, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"41"}, gotQuery["offset"])
	assert.Equal(t, []string{"10"}, gotQuery["limit"])
	assert.NotEmpty(t, gotQuery["timeout"])

	require.Len(t, updates, 2)
	assert.Equal(t, int64(41), updates[0].UpdateID)
	require.NotNil(t, updates[0].Message)
	assert.Equal(t, "OK a1b2 c3d4", updates[0].Message.Text)
	assert.Equal(t, int64(-100123), updates[0].Message.Chat.ID)
	assert.Nil(t, updates[1].Message)
	require.NotNil(t, updates[1].ChannelPost)
	assert.Equal(t, "RECV c3d4 0 aGk=", updates[1].ChannelPost.Text)
}

func TestClient_PollUpdatesDoesNotRetry(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeError(w, http.StatusBadGateway, "Bad Gateway", 0)
	}))

	_, err := c.PollUpdates(ctx, 0, 10)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_SendDocument(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	payload := []byte{0x00, 0x01, 0xFE, 0xFF}
	var gotChatID, gotName string
	var gotData []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot"+testToken+"/sendDocument", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotChatID = r.FormValue("chat_id")
		f, hdr, err := r.FormFile("document")
		require.NoError(t, err)
		defer f.Close()
		gotName = hdr.Filename
		gotData, err = io.ReadAll(f)
		require.NoError(t, err)
		writeOK(w, map[string]interface{}{"message_id": 1})
	}))

	require.NoError(t, c.SendDocument(ctx, "-100123", "SEND_c3d4_0.bin", payload))
	assert.Equal(t, "-100123", gotChatID)
	assert.Equal(t, "SEND_c3d4_0.bin", gotName)
	assert.Equal(t, payload, gotData)
}

func TestClient_DownloadDocument(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	content := []byte("tunnel bytes")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot" + testToken + "/getFile":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "file-9", body["file_id"])
			writeOK(w, map[string]string{"file_path": "documents/file_9.bin"})
		case "/file/bot" + testToken + "/documents/file_9.bin":
			_, _ = w.Write(content)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	got, err := c.DownloadDocument(ctx, "file-9")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()
	c := NewClient(ts.URL+"/bot", testToken)

	_, err := c.PollUpdates(ctx, 0, 10)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
