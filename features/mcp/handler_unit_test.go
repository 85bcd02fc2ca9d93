package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docvault/features/mcp"
	"docvault/internal/middleware"
	"docvault/internal/passage"
	"docvault/internal/retrieval"
)

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, query, tenantID string, opts retrieval.Options) ([]passage.Scored, error) {
	args := m.Called(ctx, query, tenantID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]passage.Scored), args.Error(1)
}

type MockSourceLister struct {
	mock.Mock
}

func (m *MockSourceLister) List(ctx context.Context, tenantID string) ([]passage.SourceRecord, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]passage.SourceRecord), args.Error(1)
}

func acmeCtx() context.Context {
	return middleware.WithTenant(context.Background(), "acme")
}

func toolCall(t *testing.T, name string, args interface{}) mcp.JSONRPCRequest {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	params, err := json.Marshal(mcp.CallParams{Name: name, Arguments: raw})
	require.NoError(t, err)
	return mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/call", Params: params, ID: 7}
}

func toolText(t *testing.T, resp *mcp.JSONRPCResponse) (string, bool) {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(mcp.ToolResult)
	require.True(t, ok, "result is %T", resp.Result)
	require.Len(t, result.Content, 1)
	return result.Content[0].Text, result.IsError
}

func TestProcessRequest_Initialize(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockSourceLister))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "initialize", ID: 1})

	require.NotNil(t, resp)
	assert.Equal(t, 1, resp.ID)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, mcp.ProtocolVersion, result["protocolVersion"])
	assert.NotNil(t, result["capabilities"])
	assert.NotNil(t, result["serverInfo"])
}

func TestProcessRequest_NotificationsInitialized(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockSourceLister))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"})

	assert.Nil(t, resp)
}

func TestProcessRequest_Ping(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockSourceLister))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "ping", ID: "p1"})

	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "p1", resp.ID)
}

func TestProcessRequest_ToolsList(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockSourceLister))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/list", ID: 2})

	require.NotNil(t, resp)
	result := resp.Result.(mcp.ListToolsResult)
	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
		assert.NotEmpty(t, tool.Description)
		assert.NotNil(t, tool.InputSchema)
	}
	assert.Equal(t, []string{mcp.ToolSearch, mcp.ToolListSources}, names)
}

func TestProcessRequest_ProtocolErrors(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockSourceLister))

	tests := []struct {
		name string
		req  mcp.JSONRPCRequest
		code int
	}{
		{"wrong version", mcp.JSONRPCRequest{JSONRPC: "1.0", Method: "tools/list", ID: 1}, mcp.ErrInvalidRequest},
		{"unknown method", mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "resources/list", ID: 1}, mcp.ErrMethodNotFound},
		{"malformed params", mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/call", Params: json.RawMessage(`[1]`), ID: 1}, mcp.ErrInvalidParams},
		{"unknown tool", toolCall(t, "read_page", map[string]string{"url": "x"}), mcp.ErrMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handler.ProcessRequest(acmeCtx(), tt.req)
			require.NotNil(t, resp)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestProcessRequest_ToolCallNeedsTenant(t *testing.T) {
	retriever := new(MockRetriever)
	handler := mcp.NewHandler(retriever, new(MockSourceLister))

	resp := handler.ProcessRequest(context.Background(), toolCall(t, mcp.ToolSearch, map[string]string{"query": "refunds"}))

	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, middleware.TenantHeader)
	retriever.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessRequest_Search_Success(t *testing.T) {
	retriever := new(MockRetriever)
	handler := mcp.NewHandler(retriever, new(MockSourceLister))

	conf := 88.3
	retriever.On("Retrieve", mock.Anything, "refund policy", "acme", mock.MatchedBy(func(o retrieval.Options) bool {
		return o.Limit != nil && *o.Limit == 3 && o.Threshold != nil && *o.Threshold == 0.6 && o.Semantic != nil && *o.Semantic
	})).Return([]passage.Scored{
		{
			Passage: passage.Passage{SourceID: "policy.pdf", SourceKind: passage.SourceKindUpload, SequenceIndex: 2,
				Text: "Refunds are issued within 30 days.", ExtractionMethod: passage.ExtractionOptical, OpticalConfidence: &conf},
			Score: 0.84, Similarity: 0.8,
		},
		{
			Passage: passage.Passage{SourceID: "https://acme.io/faq", SourceKind: passage.SourceKindWeb,
				Text: "Ask support for a refund.", Web: &passage.WebMetadata{URL: "https://acme.io/faq", Title: "FAQ"}},
			Score: 0.71, Similarity: 0.71,
		},
	}, nil)

	text, isErr := toolText(t, handler.ProcessRequest(acmeCtx(), toolCall(t, mcp.ToolSearch, map[string]interface{}{
		"query": "refund policy", "limit": 3, "threshold": 0.6, "semantic": true,
	})))

	assert.False(t, isErr)
	assert.Contains(t, text, "Result 1 (Score: 0.84, Similarity: 0.80)")
	assert.Contains(t, text, "SourceID: policy.pdf")
	assert.Contains(t, text, "Passage: 2")
	assert.Contains(t, text, "Extraction: optical (confidence 88.3)")
	assert.Contains(t, text, "Refunds are issued within 30 days.")
	assert.Contains(t, text, "Title: FAQ")
	assert.Less(t, strings.Index(text, "policy.pdf"), strings.Index(text, "acme.io/faq"))
	retriever.AssertExpectations(t)
}

func TestProcessRequest_Search_NoResults(t *testing.T) {
	retriever := new(MockRetriever)
	handler := mcp.NewHandler(retriever, new(MockSourceLister))
	retriever.On("Retrieve", mock.Anything, "nothing", "acme", retrieval.Options{}).Return([]passage.Scored{}, nil)

	text, isErr := toolText(t, handler.ProcessRequest(acmeCtx(), toolCall(t, mcp.ToolSearch, map[string]string{"query": "nothing"})))

	assert.False(t, isErr)
	assert.Equal(t, "No relevant passages found.", text)
}

func TestProcessRequest_Search_InvalidArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    interface{}
		message string
	}{
		{"missing query", map[string]string{}, "query is required"},
		{"blank query", map[string]string{"query": "  "}, "query is required"},
		{"unknown field", map[string]interface{}{"query": "q", "alpha": 0.3}, "Invalid search arguments"},
		{"limit too large", map[string]interface{}{"query": "q", "limit": 51}, "limit must be between 1 and 50"},
		{"limit zero", map[string]interface{}{"query": "q", "limit": 0}, "limit must be between 1 and 50"},
		{"threshold above one", map[string]interface{}{"query": "q", "threshold": 1.2}, "threshold must be between"},
		{"wrong type", map[string]interface{}{"query": 42}, "Invalid search arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retriever := new(MockRetriever)
			handler := mcp.NewHandler(retriever, new(MockSourceLister))

			resp := handler.ProcessRequest(acmeCtx(), toolCall(t, mcp.ToolSearch, tt.args))

			require.NotNil(t, resp.Error)
			assert.Equal(t, mcp.ErrInvalidParams, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.message)
			retriever.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestProcessRequest_Search_Failures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{"embedder down", fmt.Errorf("%w: quota", passage.ErrEmbeddingFailed), mcp.ErrInternal, "Search failed: EMBEDDING_FAILED"},
		{"index down", passage.ErrIndexUnavailable, mcp.ErrInternal, "Search failed: INDEX_UNAVAILABLE"},
		{"unexpected", errors.New("dial tcp 10.0.0.3:8080: refused"), mcp.ErrInternal, "Search failed: INTERNAL_ERROR"},
		{"empty query", retrieval.ErrEmptyQuery, mcp.ErrInvalidParams, "query is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retriever := new(MockRetriever)
			handler := mcp.NewHandler(retriever, new(MockSourceLister))
			retriever.On("Retrieve", mock.Anything, "q", "acme", mock.Anything).Return(nil, tt.err)

			resp := handler.ProcessRequest(acmeCtx(), toolCall(t, mcp.ToolSearch, map[string]string{"query": "q"}))

			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Error.Message)
			assert.NotContains(t, resp.Error.Message, "10.0.0.3")
		})
	}
}

func TestProcessRequest_ListSources(t *testing.T) {
	ingested := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		sources := new(MockSourceLister)
		sources.On("List", mock.Anything, "acme").Return([]passage.SourceRecord{
			{TenantID: "acme", SourceID: "policy.pdf", SourceKind: passage.SourceKindUpload, ChunkCount: 4, LastIngestedAt: ingested},
			{TenantID: "acme", SourceID: "https://acme.io/faq", SourceKind: passage.SourceKindWeb, ChunkCount: 2, LastIngestedAt: ingested},
		}, nil)
		handler := mcp.NewHandler(new(MockRetriever), sources)

		text, isErr := toolText(t, handler.ProcessRequest(acmeCtx(), toolCall(t, mcp.ToolListSources, nil)))

		assert.False(t, isErr)
		var got []struct {
			SourceID string `json:"source_id"`
			Kind     string `json:"kind"`
			Passages int    `json:"passages"`
		}
		require.NoError(t, json.Unmarshal([]byte(text), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "policy.pdf", got[0].SourceID)
		assert.Equal(t, "upload", got[0].Kind)
		assert.Equal(t, 4, got[0].Passages)
		assert.Equal(t, "web", got[1].Kind)
		sources.AssertExpectations(t)
	})

	t.Run("empty", func(t *testing.T) {
		sources := new(MockSourceLister)
		sources.On("List", mock.Anything, "acme").Return([]passage.SourceRecord{}, nil)
		handler := mcp.NewHandler(new(MockRetriever), sources)

		text, isErr := toolText(t, handler.ProcessRequest(acmeCtx(), toolCall(t, mcp.ToolListSources, nil)))

		assert.False(t, isErr)
		assert.Equal(t, "No sources found.", text)
	})

	t.Run("registry error", func(t *testing.T) {
		sources := new(MockSourceLister)
		sources.On("List", mock.Anything, "acme").Return(nil, errors.New("pq: connection reset"))
		handler := mcp.NewHandler(new(MockRetriever), sources)

		text, isErr := toolText(t, handler.ProcessRequest(acmeCtx(), toolCall(t, mcp.ToolListSources, nil)))

		assert.True(t, isErr)
		assert.NotContains(t, text, "pq:")
	})
}

func TestServeHTTP(t *testing.T) {
	retriever := new(MockRetriever)
	retriever.On("Retrieve", mock.Anything, "refunds", "acme", retrieval.Options{}).Return([]passage.Scored{}, nil)
	h := middleware.Tenant(mcp.NewHandler(retriever, new(MockSourceLister)))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
		req.Header.Set(middleware.TenantHeader, "acme")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("tool call", func(t *testing.T) {
		w := post(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"search","arguments":{"query":"refunds"}}}`)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			ID     int            `json:"id"`
			Result mcp.ToolResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 9, resp.ID)
		assert.Equal(t, "No relevant passages found.", resp.Result.Content[0].Text)
	})

	t.Run("parse error", func(t *testing.T) {
		w := post(`{not json`)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp mcp.JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.ErrParse, resp.Error.Code)
	})

	t.Run("notification", func(t *testing.T) {
		w := post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Empty(t, w.Body.String())
	})
}
