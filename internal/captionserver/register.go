package captionserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anatolykoptev/go_caption/internal/engine"
	"github.com/anatolykoptev/go_caption/internal/engine/proxies"
	"github.com/anatolykoptev/go_caption/internal/toolutil"
)

// slowTranscript is the latency past which a tool call is logged as slow.
const slowTranscript = 20 * time.Second

// RegisterTools registers the caption tools on the given MCP server:
// youtube_transcript, caption_proxy_status. timeout bounds each transcript
// call, 0 leaves it to the client.
func RegisterTools(server *mcp.Server, svc toolutil.Transcriber, pool *proxies.Pool, timeout time.Duration) {
	registerTranscript(server, svc, timeout)
	registerProxyStatus(server, pool)
}

func registerTranscript(server *mcp.Server, svc toolutil.Transcriber, timeout time.Duration) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "youtube_transcript",
		Description: "Fetch the closed-caption transcript of a YouTube video. Pass exactly one of video_id or video_url. Returns timestamped snippets plus the joined text. When the requested language has no track, the closest available track is returned and substituted is true; generated marks auto-generated captions.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input toolutil.TranscriptInput) (*mcp.CallToolResult, toolutil.TranscriptOutput, error) {
		ref, err := toolutil.ResolveVideoRef(input)
		if err != nil {
			return nil, toolutil.TranscriptOutput{}, toolError(err)
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var t engine.Transcript
		err = engine.TrackOperation(ctx, "youtube_transcript:"+ref.ID, slowTranscript, func(ctx context.Context) error {
			var err error
			t, err = svc.GetTranscript(ctx, ref)
			return err
		})
		if err != nil {
			return nil, toolutil.TranscriptOutput{}, toolError(err)
		}

		out := toolutil.BuildOutput(t)
		slog.Info("youtube_transcript: done",
			slog.String("video", out.ID),
			slog.String("language", out.Language),
			slog.Int("snippets", len(out.Transcript)),
			slog.String("preview", engine.Preview(out.Text, 80)))
		return nil, out, nil
	})
}

func registerProxyStatus(server *mcp.Server, pool *proxies.Pool) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "caption_proxy_status",
		Description: "Show the health of the outbound proxy pool used for caption retrieval: state (healthy, cooling, disabled), consecutive failures and recent outcomes per endpoint. Credentials are redacted.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, toolutil.PoolStatusOutput, error) {
		return nil, toolutil.BuildPoolStatus(pool.Snapshot()), nil
	})
}

// toolError flattens err into "code: message" so MCP clients can branch on the code.
func toolError(err error) error {
	b := toolutil.BuildError(err)
	return errors.New(b.Code + ": " + b.Message)
}
