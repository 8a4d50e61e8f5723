// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the chunk store's retrieval and ingestion tools via stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/strata/internal/index"
	"github.com/starford/strata/internal/ingest"
	"github.com/starford/strata/internal/models"
	"github.com/starford/strata/internal/retrieval"
)

// Server wraps the MCP server with chunk store tools.
type Server struct {
	mcp    *server.MCPServer
	db     *index.DB
	svc    *ingest.Service
	engine *retrieval.Engine
	logger *slog.Logger
}

// New creates a new MCP server with all tools registered.
func New(db *index.DB, svc *ingest.Service, engine *retrieval.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{db: db, svc: svc, engine: engine, logger: logger}

	s.mcp = server.NewMCPServer(
		"Strata",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("semantic_search",
		mcp.WithDescription("Semantic search over chunks at every level (base, section, document). "+
			"Each hit carries a breadcrumb back to its message and collection."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language query")),
		mcp.WithNumber("k", mcp.Description("Number of nearest chunks to rank (default 10, max 500)")),
		mcp.WithArray("levels", mcp.WithStringItems(), mcp.Description("Restrict to levels: base, section, document")),
		mcp.WithString("collection_id", mcp.Description("Restrict to one collection")),
		mcp.WithString("user_id", mcp.Description("Restrict to collections owned by this user")),
		mcp.WithNumber("min_score", mcp.Description("Drop hits scoring below this cosine similarity")),
		mcp.WithNumber("limit", mcp.Description("Page size (default k)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.semanticSearch)

	s.mcp.AddTool(mcp.NewTool("keyword_search",
		mcp.WithDescription("Full-text search over chunk content."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 10)")),
		mcp.WithString("collection_id", mcp.Description("Restrict to one collection")),
	), s.keywordSearch)

	s.mcp.AddTool(mcp.NewTool("get_message_view",
		mcp.WithDescription("Read a message's chunk tree. summary_only returns the document summary, "+
			"sections adds section summaries, full adds every leaf."),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("Message id")),
		mcp.WithString("depth", mcp.Enum(string(retrieval.DepthSummaryOnly), string(retrieval.DepthSections), string(retrieval.DepthFull)),
			mcp.Description("How deep to read (default summary_only)")),
	), s.getMessageView)

	s.mcp.AddTool(mcp.NewTool("get_chunk",
		mcp.WithDescription("Read one chunk with its direct children and breadcrumb."),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Chunk id")),
		mcp.WithBoolean("include_related", mcp.Description("Include relationship neighbours in the breadcrumb")),
	), s.getChunk)

	s.mcp.AddTool(mcp.NewTool("get_related",
		mcp.WithDescription("Follow typed relationships (cites, responds_to, transforms_into, derived_from, "+
			"contradicts, supports) from a chunk."),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Starting chunk id")),
		mcp.WithArray("kinds", mcp.WithStringItems(), mcp.Description("Relationship kinds to follow (default all)")),
		mcp.WithNumber("max_depth", mcp.Description("Hops to follow (default 1)")),
		mcp.WithString("direction", mcp.Enum(string(models.DirectionBoth), string(models.DirectionOutgoing), string(models.DirectionIncoming)),
			mcp.Description("Edge direction (default both)")),
	), s.getRelated)

	s.mcp.AddTool(mcp.NewTool("ingest_text",
		mcp.WithDescription("Store text as a new message. Leaves are created immediately; "+
			"summaries and embeddings are built in the background."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Target collection id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Raw text")),
		mcp.WithString("role", mcp.Description("Author role (default user)")),
		mcp.WithString("source_ref", mcp.Description("Where the text came from")),
		mcp.WithString("parent_message_id", mcp.Description("Message this one replies to")),
	), s.ingestText)

	s.mcp.AddTool(mcp.NewTool("add_relationship",
		mcp.WithDescription("Link two chunks with a typed, weighted relationship."),
		mcp.WithString("source_chunk_id", mcp.Required(), mcp.Description("Source chunk id")),
		mcp.WithString("target_chunk_id", mcp.Required(), mcp.Description("Target chunk id")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Relationship kind")),
		mcp.WithNumber("strength", mcp.Description("Weight in [0,1] (default 1)")),
	), s.addRelationship)

	s.mcp.AddTool(mcp.NewTool("message_status",
		mcp.WithDescription("Report where a message is in its hierarchy build."),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("Message id")),
	), s.messageStatus)

	s.mcp.AddTool(mcp.NewTool("list_collections",
		mcp.WithDescription("List collections, newest first."),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listCollections)

	s.mcp.AddTool(mcp.NewTool("attach_media",
		mcp.WithDescription("Attach a binary asset to a message from a base64 data URI or an http(s) URL."),
		mcp.WithString("collection_id", mcp.Required(), mcp.Description("Collection id")),
		mcp.WithString("url", mcp.Required(), mcp.Description("data: URI or http(s) URL")),
		mcp.WithString("message_id", mcp.Description("Message the asset belongs to")),
		mcp.WithString("filename", mcp.Description("Filename to record (derived from the URL when empty)")),
	), s.attachMedia)

	s.mcp.AddTool(mcp.NewTool("get_usage_guide",
		mcp.WithDescription("Returns how the chunk hierarchy, breadcrumbs and tools fit together. "+
			"Read it before the first search."),
	), s.getUsageGuide)

	s.mcp.AddResource(
		mcp.NewResource(usageGuideURI, "Usage Guide",
			mcp.WithResourceDescription("How to navigate the chunk hierarchy with these tools."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readUsageGuideResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func levels(raw []string) []models.Level {
	out := make([]models.Level, 0, len(raw))
	for _, l := range raw {
		out = append(out, models.Level(l))
	}
	return out
}

func (s *Server) semanticSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.engine.SemanticSearch(ctx, retrieval.SearchRequest{
		Query:        query,
		K:            req.GetInt("k", 0),
		Levels:       levels(req.GetStringSlice("levels", nil)),
		CollectionID: req.GetString("collection_id", ""),
		UserID:       req.GetString("user_id", ""),
		MinScore:     req.GetFloat("min_score", 0),
		Limit:        req.GetInt("limit", 0),
		Offset:       req.GetInt("offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) keywordSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.engine.KeywordSearch(ctx, retrieval.KeywordRequest{
		Query:        query,
		Limit:        req.GetInt("limit", 0),
		CollectionID: req.GetString("collection_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) getMessageView(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	depth, err := retrieval.ParseDepth(req.GetString("depth", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.engine.GetMessageView(ctx, id, depth)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view)
}

func (s *Server) getChunk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("chunk_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var related *retrieval.RelatedOptions
	if req.GetBool("include_related", false) {
		related = &retrieval.RelatedOptions{}
	}
	view, err := s.engine.GetChunk(ctx, id, related)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view)
}

func (s *Server) getRelated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("chunk_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var kinds []models.RelationKind
	for _, k := range req.GetStringSlice("kinds", nil) {
		kinds = append(kinds, models.RelationKind(k))
	}
	related, err := s.engine.GetRelated(ctx, id, retrieval.RelatedOptions{
		Kinds:     kinds,
		MaxDepth:  req.GetInt("max_depth", 1),
		Direction: models.Direction(req.GetString("direction", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(related) == 0 {
		return mcp.NewToolResultText("no related chunks found"), nil
	}
	return jsonResult(related)
}

func (s *Server) ingestText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collection, err := req.RequireString("collection_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	receipt, err := s.svc.Ingest(ctx, ingest.Request{
		CollectionID:    collection,
		Text:            text,
		Role:            req.GetString("role", ""),
		SourceRef:       req.GetString("source_ref", ""),
		ParentMessageID: req.GetString("parent_message_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Info("mcp: text ingested", slog.String("message_id", receipt.MessageID),
		slog.Int("leaves", len(receipt.LeafChunkIDs)))
	return jsonResult(receipt)
}

func (s *Server) addRelationship(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := req.RequireString("source_chunk_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dst, err := req.RequireString("target_chunk_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rr := ingest.RelationshipRequest{SourceChunkID: src, TargetChunkID: dst, Kind: models.RelationKind(kind)}
	if v, err := req.RequireFloat("strength"); err == nil {
		rr.Strength = &v
	}
	rel, err := s.svc.AddRelationship(ctx, rr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rel)
}

func (s *Server) messageStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.svc.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) listCollections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, total, err := s.db.ListCollections(ctx, req.GetInt("limit", 0), req.GetInt("offset", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"collections": items, "total": total})
}

func (s *Server) getUsageGuide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(UsageGuide), nil
}

func (s *Server) readUsageGuideResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      usageGuideURI,
			MIMEType: "text/markdown",
			Text:     UsageGuide,
		},
	}, nil
}
