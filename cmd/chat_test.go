package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	httpapi "github.com/nextlevelbuilder/bookbot/internal/http"
	"github.com/nextlevelbuilder/bookbot/internal/pipeline"
)

func TestChatClient_REPL(t *testing.T) {
	var got []httpapi.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req httpapi.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = append(got, req)
		json.NewEncoder(w).Encode(pipeline.ChatResult{Response: "echo: " + req.Message, ConversationID: uuid.New(), CustomerID: uuid.New()})
	}))
	defer srv.Close()

	c := &chatClient{base: srv.URL, token: "tok", phone: "+15551234567", http: srv.Client()}
	var out bytes.Buffer
	require.NoError(t, c.repl(context.Background(), strings.NewReader("hello\n\nany fantasy?\n"), &out))

	require.Len(t, got, 2)
	require.Equal(t, "+15551234567", got[0].Phone)
	require.Contains(t, out.String(), "echo: hello")
	require.Contains(t, out.String(), "echo: any fantasy?")
}

func TestChatClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	c := &chatClient{base: srv.URL, phone: "+15551234567", http: srv.Client()}
	err := c.send(context.Background(), &bytes.Buffer{}, "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "****", maskSecret("abcd"))
	require.Equal(t, "sk-a*****wxyz", maskSecret("sk-abcdefwxyz"))
}
