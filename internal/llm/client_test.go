package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvfolio/internal/config"
)

func TestOpenAIClientComplete(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Hello there  "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "m1"}, srv.Client())
	reply, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", reply)
	assert.Equal(t, "m1", got.Model)
	require.Len(t, got.Messages, 1)
}

func TestOpenAIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Case") {
		case "empty":
			_, _ = w.Write([]byte(`{"choices":[]}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
		}
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL}, caseDoer{srv.Client(), ""})
	_, err := c.Complete(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")

	c = NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL}, caseDoer{srv.Client(), "empty"})
	_, err = c.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

type caseDoer struct {
	client *http.Client
	name   string
}

func (d caseDoer) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Case", d.name)
	return d.client.Do(req)
}
