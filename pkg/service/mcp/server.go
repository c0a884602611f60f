package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/usecase/session"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the part of the session exposed as tools
type Session interface {
	HandleUtterance(ctx context.Context, text string) (*model.ReplyResult, error)
	Regenerate(ctx context.Context) (*model.ReplyResult, error)
	Replay(ctx context.Context, rec model.ObjectionRecord) (*model.ReplyResult, error)
	ClearHistory(ctx context.Context) error
	State() session.State
}

// Server exposes a session to MCP clients
type Server struct {
	sess   Session
	server *mcp.Server
}

func NewServer(sess Session, version string) *Server {
	s := &Server{
		sess: sess,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "vibe",
			Version: version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "handle_objection",
		Description: "Check an utterance from the customer and, if it is an objection, generate a reply for the sales representative",
	}, s.handleObjection)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "regenerate",
		Description: "Generate another reply for the last objection",
	}, s.regenerate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "replay",
		Description: "Generate a new reply for an objection in the history",
	}, s.replay)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_history",
		Description: "List recent objections, newest first",
	}, s.listHistory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "clear_history",
		Description: "Delete all recorded objections",
	}, s.clearHistory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_state",
		Description: "Show the current objection, reply and listening status",
	}, s.getState)

	return s
}

// Run serves over transport until the client disconnects or ctx is cancelled
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.server.Run(ctx, transport); err != nil {
		return goerr.Wrap(err, "MCP server stopped")
	}
	return nil
}

// Handler serves the streamable HTTP transport
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

type objectionInput struct {
	Text string `json:"text" jsonschema:"What the customer said"`
}

type replayInput struct {
	Index int `json:"index" jsonschema:"Position in the history, 1 is the newest"`
}

type emptyInput struct{}

type replyOutput struct {
	Objection   bool   `json:"objection" jsonschema:"Whether the utterance was treated as an objection"`
	Reply       string `json:"reply,omitempty"`
	Confidence  int    `json:"confidence,omitempty"`
	Category    string `json:"category,omitempty"`
	Subcategory string `json:"subcategory,omitempty"`
}

type historyItem struct {
	Index       int    `json:"index" jsonschema:"Position to pass to replay"`
	Text        string `json:"text"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Confidence  int    `json:"confidence"`
	Timestamp   string `json:"timestamp" jsonschema:"RFC 3339 time the objection was detected"`
}

type historyOutput struct {
	Items []historyItem `json:"items"`
}

type clearOutput struct {
	Cleared bool `json:"cleared"`
}

type stateOutput struct {
	Listening         bool         `json:"listening"`
	Supported         bool         `json:"supported"`
	APIKeyPresent     bool         `json:"api_key_present"`
	LastObjection     *historyItem `json:"last_objection,omitempty"`
	CurrentReply      string       `json:"current_reply"`
	CurrentConfidence int          `json:"current_confidence"`
	Generating        bool         `json:"generating"`
	Pending           string       `json:"pending,omitempty"`
	HistoryCount      int          `json:"history_count"`
}

func toReplyOutput(res *model.ReplyResult) replyOutput {
	if res == nil {
		return replyOutput{}
	}
	return replyOutput{
		Objection:   true,
		Reply:       res.Reply,
		Confidence:  res.Confidence,
		Category:    string(res.Category),
		Subcategory: res.Subcategory,
	}
}

func toHistoryItem(index int, rec model.ObjectionRecord) historyItem {
	return historyItem{
		Index:       index,
		Text:        rec.Text,
		Category:    string(rec.Category),
		Subcategory: rec.Subcategory,
		Confidence:  rec.Confidence,
		Timestamp:   rec.Timestamp.UTC().Format(time.RFC3339),
	}
}

func errorResult(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	logging.From(ctx).Warn("tool failed", "tool", tool, "error", err)
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: err.Error()},
		},
	}
}

func (s *Server) handleObjection(ctx context.Context, req *mcp.CallToolRequest, in *objectionInput) (*mcp.CallToolResult, replyOutput, error) {
	res, err := s.sess.HandleUtterance(ctx, in.Text)
	if err != nil && res == nil {
		return errorResult(ctx, "handle_objection", err), replyOutput{}, nil
	}
	// a reply whose history save failed is still returned
	return nil, toReplyOutput(res), nil
}

func (s *Server) regenerate(ctx context.Context, req *mcp.CallToolRequest, in *emptyInput) (*mcp.CallToolResult, replyOutput, error) {
	res, err := s.sess.Regenerate(ctx)
	if err != nil && res == nil {
		return errorResult(ctx, "regenerate", err), replyOutput{}, nil
	}
	return nil, toReplyOutput(res), nil
}

func (s *Server) replay(ctx context.Context, req *mcp.CallToolRequest, in *replayInput) (*mcp.CallToolResult, replyOutput, error) {
	records := s.sess.State().History
	if in.Index < 1 || in.Index > len(records) {
		err := goerr.New("history index out of range", goerr.V("index", in.Index), goerr.V("count", len(records)))
		return errorResult(ctx, "replay", err), replyOutput{}, nil
	}

	res, err := s.sess.Replay(ctx, records[in.Index-1])
	if err != nil && res == nil {
		return errorResult(ctx, "replay", err), replyOutput{}, nil
	}
	return nil, toReplyOutput(res), nil
}

func (s *Server) listHistory(ctx context.Context, req *mcp.CallToolRequest, in *emptyInput) (*mcp.CallToolResult, historyOutput, error) {
	records := s.sess.State().History
	items := make([]historyItem, 0, len(records))
	for i, rec := range records {
		items = append(items, toHistoryItem(i+1, rec))
	}
	return nil, historyOutput{Items: items}, nil
}

func (s *Server) clearHistory(ctx context.Context, req *mcp.CallToolRequest, in *emptyInput) (*mcp.CallToolResult, clearOutput, error) {
	if err := s.sess.ClearHistory(ctx); err != nil {
		return errorResult(ctx, "clear_history", err), clearOutput{}, nil
	}
	return nil, clearOutput{Cleared: true}, nil
}

func (s *Server) getState(ctx context.Context, req *mcp.CallToolRequest, in *emptyInput) (*mcp.CallToolResult, stateOutput, error) {
	st := s.sess.State()
	var last *historyItem
	if st.LastObjection != nil {
		item := toHistoryItem(0, *st.LastObjection)
		last = &item
	}
	return nil, stateOutput{
		Listening:         st.Listening,
		Supported:         st.Supported,
		APIKeyPresent:     st.APIKeyPresent,
		LastObjection:     last,
		CurrentReply:      st.CurrentReply,
		CurrentConfidence: st.CurrentConfidence,
		Generating:        st.Generating,
		Pending:           st.Pending,
		HistoryCount:      st.HistoryCount,
	}, nil
}
