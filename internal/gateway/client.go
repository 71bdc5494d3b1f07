package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatrelay/internal/queue"
	"chatrelay/internal/relayerr"
	"chatrelay/internal/retry"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// ClientConfig configures the upstream AI client.
type ClientConfig struct {
	APIKey  string
	BaseURL string // optional, for self-hosted gateways
	Model   string // default model when the request doesn't set one
}

type openaiUpstream struct {
	client *openai.Client
	model  string
}

// NewUpstream builds the hosted-AI client.
func NewUpstream(cfg ClientConfig) Upstream {
	c := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		c.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openaiUpstream{
		client: openai.NewClientWithConfig(c),
		model:  model,
	}
}

func (u *openaiUpstream) Complete(ctx context.Context, req ChatRequest) (ChatReply, error) {
	model := req.Model
	if model == "" {
		model = u.model
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.Persona != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Persona,
		})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	// Optional URL rides along with the last user turn.
	if req.URL != "" && len(msgs) > 0 {
		msgs[len(msgs)-1].Content += "\n" + req.URL
	}

	resp, err := u.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		User:     sessionID,
	})
	if err != nil {
		return ChatReply{}, classifyUpstreamErr(err)
	}
	if len(resp.Choices) == 0 {
		return ChatReply{}, relayerr.New(relayerr.KindServer, "upstream returned no choices")
	}
	return ChatReply{
		SessionID: sessionID,
		Model:     resp.Model,
		Content:   resp.Choices[0].Message.Content,
	}, nil
}

// classifyUpstreamErr tags the failure at the point where the HTTP
// status is still known, so nothing downstream inspects error text.
func classifyUpstreamErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return relayerr.FromStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return relayerr.FromStatus(reqErr.HTTPStatusCode, err)
		}
		return relayerr.Wrap(relayerr.KindConnectivity, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return relayerr.Wrap(relayerr.KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return relayerr.Wrap(relayerr.KindTimeout, err)
	}
	// Transport-level failure with no HTTP exchange.
	return relayerr.Wrap(relayerr.KindConnectivity, err)
}

// NewReplaySender adapts the upstream client to the offline queue.
//
// Replays bypass the limiter and breaker on purpose: a drain only runs
// once connectivity is back, is serialized, and carries its own
// per-message backoff, so the admission path would only add noise.
func NewReplaySender(u Upstream, timeout time.Duration) queue.Sender {
	return queue.SenderFunc(func(ctx context.Context, m queue.Message) ([]byte, error) {
		req, err := decodeRequest(m.Data)
		if err != nil {
			// Undecodable payloads are not retryable.
			return nil, relayerr.Wrap(relayerr.KindValidation, err)
		}
		var reply ChatReply
		err = retry.DoWithTimeout(ctx, timeout, func(c context.Context) error {
			var cerr error
			reply, cerr = u.Complete(c, req)
			return cerr
		})
		if err != nil {
			return nil, err
		}
		return encodeReply(reply)
	})
}
