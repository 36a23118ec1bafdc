package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spanlabel/pkg/contract"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(json.RawMessage(fmt.Sprintf(`{"base_url":%q,"api_key":"g-test","model":"gemini-test"}`, srv.URL)))
	require.NoError(t, err)
	return c.(*Client)
}

func TestCompleteWithSchema(t *testing.T) {
	var body map[string]any
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"spans\":[]}"}]},"finishReason":"STOP"}],`+
			`"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4},"modelVersion":"gemini-test-001"}`)
	})
	got, err := c.Complete(context.Background(), contract.Request{
		System:    "sys",
		Developer: "analysis",
		Messages:  []contract.Message{{Role: "user", Content: "hello"}},
		MaxTokens: 32,
		Schema:    json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "models/gemini-test:generateContent"), path)
	assert.Equal(t, `{"spans":[]}`, got.Text)
	assert.Equal(t, contract.Metadata{Provider: "gemini", Model: "gemini-test-001", PromptTokens: 3, CompletionTokens: 4, FinishReason: "STOP"}, got.Metadata)

	gc, _ := body["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", gc["responseMimeType"])
	assert.NotNil(t, gc["responseJsonSchema"])
	si, _ := json.Marshal(body["systemInstruction"])
	assert.Contains(t, string(si), "analysis", "开发者指令并入 system")
}

func TestCompleteErrorMapping(t *testing.T) {
	cases := []struct {
		status   int
		sentinel error
	}{
		{http.StatusUnauthorized, contract.ErrAuthentication},
		{http.StatusBadRequest, contract.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope","status":"ERR"}}`, tc.status)
			})
			_, err := c.Complete(context.Background(), contract.Request{Messages: []contract.Message{{Content: "x"}}})
			assert.ErrorIs(t, err, tc.sentinel)
		})
	}
}

func TestEncode(t *testing.T) {
	c := &Client{model: "m", respMIME: "application/json"}
	_, cfg, err := c.encode(contract.Request{Messages: []contract.Message{{Content: "x"}, {Role: "assistant", Content: "y"}}, JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
	assert.Nil(t, cfg.ResponseJsonSchema)

	_, _, err = c.encode(contract.Request{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, _, err = c.encode(contract.Request{Messages: []contract.Message{{Role: "tool", Content: "x"}}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, _, err = c.encode(contract.Request{Messages: []contract.Message{{Content: "x"}}, Schema: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestNewAndCapabilities(t *testing.T) {
	_, err := New(json.RawMessage(`{"api_key_env":"SPANLABEL_TEST_MISSING_KEY"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	c, err := New(json.RawMessage(`{"api_key":"k"}`))
	require.NoError(t, err)
	caps := c.(contract.Capabilities)
	assert.True(t, caps.StructuredOutput())
	assert.False(t, caps.DeveloperChannel())
}
