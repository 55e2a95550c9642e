package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
	"github.com/chatstream-dev/chatstream/pkg/packet"
)

// SSEOptions configures the native SSE transport.
type SSEOptions struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// HTTPClient overrides the default client (tests, custom TLS).
	HTTPClient *http.Client
	// MaxConnectAttempts bounds connection retries per submission
	// (default 3). Only connect-time failures are retried; an
	// established stream is never silently reopened.
	MaxConnectAttempts int
	// RetryInterval paces connection retries (default 2s).
	RetryInterval time.Duration
}

// SSEClient streams chat responses over Server-Sent Events. Each data
// payload is one JSON packet, normalized before delivery so legacy flat
// shapes and the tagged envelope come out identical.
type SSEClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
}

// NewSSEClient creates an SSE transport for the given backend.
func NewSSEClient(opts SSEOptions) *SSEClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxAttempts := opts.MaxConnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &SSEClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		maxAttempts: maxAttempts,
	}
}

type sendMessageRequest struct {
	SessionID       string                    `json:"session_id"`
	Message         string                    `json:"message"`
	ParentMessageID *msgtree.MessageID        `json:"parent_message_id,omitempty"`
	Files           []msgtree.FileDescriptor  `json:"files,omitempty"`
	Filters         map[string]string         `json:"filters,omitempty"`
	Persona         string                    `json:"persona,omitempty"`
	Model           string                    `json:"model,omitempty"`
	SystemPrompt    string                    `json:"system_prompt,omitempty"`
}

// SendMessage posts the submission and returns the packet stream.
func (c *SSEClient) SendMessage(ctx context.Context, p Params) (Stream, error) {
	body, err := json.Marshal(sendMessageRequest{
		SessionID:       p.SessionID,
		Message:         p.Message,
		ParentMessageID: p.ParentMessageID,
		Files:           p.Files,
		Filters:         p.Filters,
		Persona:         p.Persona,
		Model:           p.Model,
		SystemPrompt:    p.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.connect(ctx, body)
	if err != nil {
		return nil, err
	}

	stream := NewPacketStream(ctx)
	go c.pump(resp.Body, stream)
	return stream, nil
}

// connect opens the SSE response, retrying transient failures with the
// client's pacing limiter.
func (c *SSEClient) connect(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("[Transport] connect attempt %d/%d failed: %v", attempt, c.maxAttempts, err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		lastErr = fmt.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))

		// 5xx is worth retrying, anything else is the caller's problem.
		if resp.StatusCode < 500 {
			return nil, lastErr
		}
		log.Printf("[Transport] connect attempt %d/%d failed: %v", attempt, c.maxAttempts, lastErr)
	}

	return nil, fmt.Errorf("connect after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *SSEClient) pump(body io.ReadCloser, stream *PacketStream) {
	defer func() { _ = body.Close() }()
	defer stream.CloseSend()

	parser := newSSEParser(body)
	for {
		event, err := parser.ReadEvent()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				stream.SetError(fmt.Errorf("read event: %w", err))
			}
			return
		}

		if event.Data == "" || event.Data == "[DONE]" {
			if event.Data == "[DONE]" {
				return
			}
			continue
		}

		pkt, err := packet.Normalize(json.RawMessage(event.Data))
		if err != nil {
			// A malformed packet must not kill the stream.
			log.Printf("[Transport] skipping malformed packet: %v", err)
			continue
		}

		if err := stream.Send(pkt); err != nil {
			return
		}
	}
}

// sseEvent is one Server-Sent Event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// sseParser reads Server-Sent Events from a response body.
type sseParser struct {
	reader *bufio.Reader
}

func newSSEParser(r io.Reader) *sseParser {
	return &sseParser{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next event. Multi-line data fields are joined with
// newlines per the SSE wire format.
func (p *sseParser) ReadEvent() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines []string

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line signals end of event.
		if line == "" {
			if len(dataLines) > 0 || event.Event != "" {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimPrefix(strings.TrimPrefix(line, "id:"), " ")
		}
	}
}
