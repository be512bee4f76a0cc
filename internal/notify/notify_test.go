package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegram_Notify_Delivered(t *testing.T) {
	var gotPath, gotChatID, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotChatID = r.PostFormValue("chat_id")
		gotText = r.PostFormValue("text")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramWithBase("test-token", srv.URL, slog.Default())
	delivered := tg.Notify(context.Background(), 12345, "deal funded")

	assert.True(t, delivered)
	assert.Equal(t, "/bottest-token/sendMessage", gotPath)
	assert.Equal(t, "12345", gotChatID)
	assert.Equal(t, "deal funded", gotText)
}

func TestTelegram_Notify_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"ok":false,"description":"bot was blocked by the user"}`))
	}))
	defer srv.Close()

	tg := NewTelegramWithBase("test-token", srv.URL, slog.Default())
	assert.False(t, tg.Notify(context.Background(), 12345, "hello"))
}

func TestTelegram_Notify_Unreachable(t *testing.T) {
	tg := NewTelegramWithBase("test-token", "http://127.0.0.1:1", slog.Default())
	assert.False(t, tg.Notify(context.Background(), 12345, "hello"))
}

func TestDisabled_Notify(t *testing.T) {
	assert.False(t, Disabled{}.Notify(context.Background(), 1, "anything"))
}
