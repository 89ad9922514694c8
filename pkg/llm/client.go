package llm

import (
	"context"
	"fmt"
	"net/http"
)

// Client executes chat turns against a provider's HTTP API. The zero
// value is not usable; construct with NewClient. A single Client is
// safe for concurrent use across providers.
type Client struct {
	httpClient *http.Client
	baseURLs   map[Provider]string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Per-turn
// deadlines are applied through context, so the supplied client
// should not carry its own Timeout.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithBaseURL overrides the endpoint for one provider. Used to point
// a provider at a proxy or a local test server.
func WithBaseURL(p Provider, url string) ClientOption {
	return func(c *Client) {
		c.baseURLs[p] = url
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		baseURLs:   map[Provider]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) url(p Provider) string {
	if u, ok := c.baseURLs[p]; ok {
		return u
	}
	return p.URL()
}

// Turn runs one buffered (non-streaming) model turn and returns the
// complete result. The provider is detected from the model name when
// opts.Provider is unset.
func (c *Client) Turn(ctx context.Context, opts *TurnOptions) (*Result, error) {
	if err := prepare(opts); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout(false))
	defer cancel()

	switch opts.Provider {
	case ProviderAnthropic:
		return c.anthropicTurn(ctx, opts)
	case ProviderOpenAI, ProviderGoogle, ProviderDeepSeek:
		return c.openAITurn(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown provider: %s", opts.Provider)
	}
}

// TurnStreaming runs one streaming model turn. It returns immediately;
// events arrive on the returned channel, which is closed after the
// terminal done or error event. The caller must drain the channel.
func (c *Client) TurnStreaming(ctx context.Context, opts *TurnOptions) <-chan StreamEvent {
	out := make(chan StreamEvent)

	go func() {
		defer close(out)

		if err := prepare(opts); err != nil {
			out <- StreamEvent{Type: EventError, Err: err}
			return
		}

		ctx, cancel := context.WithTimeout(ctx, opts.timeout(true))
		defer cancel()

		var err error
		switch opts.Provider {
		case ProviderAnthropic:
			err = c.anthropicStream(ctx, opts, out)
		case ProviderOpenAI, ProviderGoogle, ProviderDeepSeek:
			err = c.openAIStream(ctx, opts, out)
		default:
			err = fmt.Errorf("unknown provider: %s", opts.Provider)
		}
		if err != nil {
			out <- StreamEvent{Type: EventError, Err: err}
		}
	}()

	return out
}

func prepare(opts *TurnOptions) error {
	if opts == nil {
		return fmt.Errorf("turn options are required")
	}
	if opts.Model == "" {
		return fmt.Errorf("model is required")
	}
	if opts.Provider == "" {
		opts.Provider = DetectProvider(opts.Model)
	}
	if opts.APIKey == "" {
		opts.APIKey = APIKeyFromEnv(opts.Provider)
	}
	if opts.APIKey == "" {
		return fmt.Errorf("no API key for provider %s", opts.Provider)
	}
	return nil
}
