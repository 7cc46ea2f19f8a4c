package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatClientComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  {\"triage_level\":\"urgent\"}  "}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, "secret", "test-model")
	text, err := c.Complete(context.Background(), "system text", "user text")
	require.NoError(t, err)

	assert.Equal(t, `{"triage_level":"urgent"}`, text)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user text", got.Messages[1].Content)
}

func TestChatClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewChatClient(srv.URL, "", "m").Complete(context.Background(), "s", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestChatClientNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewChatClient(srv.URL, "", "m").Complete(context.Background(), "s", "p")
	assert.Error(t, err)
}

func TestChatClientHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewChatClient(srv.URL, "", "m").Complete(ctx, "s", "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSelectsProvider(t *testing.T) {
	for _, p := range []string{"", "disabled", "Heuristic"} {
		c, err := New(context.Background(), p, "", "", "")
		require.NoError(t, err)
		assert.Nil(t, c, p)
	}

	c, err := New(context.Background(), "deepseek", "", "k", "")
	require.NoError(t, err)
	cc, ok := c.(*chatClient)
	require.True(t, ok)
	assert.Equal(t, deepSeekChatURL, cc.endpoint)
	assert.Equal(t, "deepseek-chat", cc.model)

	_, err = New(context.Background(), "http", "", "", "")
	assert.Error(t, err)

	_, err = New(context.Background(), "gemini", "", "", "")
	assert.Error(t, err, "gemini without api key")

	_, err = New(context.Background(), "carrier-pigeon", "", "", "")
	assert.Error(t, err)
}
