package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chatstream-dev/chatstream/pkg/packet"
)

// chatStream is the part of openai.ChatCompletionStream the adapter
// consumes, split out so tests can script responses.
type chatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// streamOpener opens one completion stream.
type streamOpener func(ctx context.Context, req openai.ChatCompletionRequest) (chatStream, error)

// OpenAICompat adapts an OpenAI-compatible chat completions API to the
// packet protocol. Completion deltas become message packets, streamed
// tool calls become custom tool packets, and message ids are synthesized
// client-side since these APIs assign none.
type OpenAICompat struct {
	open  streamOpener
	model string
}

// NewOpenAICompat wraps a go-openai client.
func NewOpenAICompat(client *openai.Client, model string) *OpenAICompat {
	return &OpenAICompat{
		open: func(ctx context.Context, req openai.ChatCompletionRequest) (chatStream, error) {
			return client.CreateChatCompletionStream(ctx, req)
		},
		model: model,
	}
}

// newOpenAICompatWithOpener exists for tests.
func newOpenAICompatWithOpener(open streamOpener, model string) *OpenAICompat {
	return &OpenAICompat{open: open, model: model}
}

// syntheticID hands out client-side message ids for backends that do
// not assign them.
var syntheticID atomic.Int64

func nextSyntheticID() int64 {
	return syntheticID.Add(1)
}

// SendMessage opens a completion stream and translates it packet by
// packet.
func (t *OpenAICompat) SendMessage(ctx context.Context, p Params) (Stream, error) {
	model := p.Model
	if model == "" {
		model = t.model
	}

	var messages []openai.ChatCompletionMessage
	if p.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: p.Message,
	})

	upstream, err := t.open(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	stream := NewPacketStream(ctx)
	go t.pump(upstream, stream)
	return stream, nil
}

func (t *OpenAICompat) pump(upstream chatStream, stream *PacketStream) {
	defer func() { _ = upstream.Close() }()
	defer stream.CloseSend()

	userID := nextSyntheticID()
	assistantID := nextSyntheticID()
	if err := stream.Send(packet.Packet{Obj: packet.Obj{
		Type:                       packet.KindMessageIDInfo,
		UserMessageID:              &userID,
		ReservedAssistantMessageID: &assistantID,
	}}); err != nil {
		return
	}

	started := false
	toolStarted := false
	finishReason := "stop"

	for {
		resp, err := upstream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				stream.SetError(fmt.Errorf("recv completion: %w", err))
				return
			}
			break
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			kind := packet.KindMessageDelta
			if !started {
				kind = packet.KindMessageStart
				started = true
			}
			if err := stream.Send(packet.Packet{Obj: packet.Obj{
				Type:    kind,
				Content: choice.Delta.Content,
			}}); err != nil {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			pkt := packet.Packet{Obj: packet.Obj{ToolName: tc.Function.Name}}
			if !toolStarted {
				pkt.Obj.Type = packet.KindCustomToolStart
				toolStarted = true
			} else {
				pkt.Obj.Type = packet.KindCustomToolDelta
			}
			if tc.Function.Arguments != "" {
				args, err := json.Marshal(tc.Function.Arguments)
				if err == nil {
					pkt.Obj.ToolArgs = args
				}
			}
			if err := stream.Send(pkt); err != nil {
				return
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

	if started {
		if err := stream.Send(packet.Packet{Obj: packet.Obj{Type: packet.KindMessageEnd}}); err != nil {
			return
		}
	}
	_ = stream.Send(packet.Packet{Obj: packet.Obj{
		Type:       packet.KindStop,
		StopReason: finishReason,
	}})
}
