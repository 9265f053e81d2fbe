package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/larkbridge/larkbridge/internal/domain"
)

const (
	chatPath       = "/samantha/chat/completion"
	deletePath     = "/samantha/thread/delete"
	authTokenPath  = "/alice/upload/auth_token"
	contentTypeSSE = "text/event-stream"

	// contentTypeText is the content_type discriminator for plain-text
	// upstream messages.
	contentTypeText = 2001
)

// Identity is the process-scoped device/session identity sent on every
// upstream call.
type Identity struct {
	DeviceID string
	WebID    string
	TeaUUID  string
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for completion calls.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMetadataTimeout bounds credential and deletion calls.
func WithMetadataTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.metadataTimeout = d
	}
}

// WithScheme overrides the URL scheme, for httptest servers.
func WithScheme(scheme string) ClientOption {
	return func(c *Client) {
		c.scheme = scheme
	}
}

// Client talks the upstream's proprietary chat protocol. Safe for concurrent
// use; the only shared state is the HTTP connection pool.
type Client struct {
	host            string
	scheme          string
	identity        Identity
	httpClient      *http.Client
	metadataTimeout time.Duration
}

// NewClient creates an upstream client for one backend host.
func NewClient(host string, identity Identity, opts ...ClientOption) *Client {
	c := &Client{
		host:            host,
		scheme:          "https",
		identity:        identity,
		httpClient:      &http.Client{Timeout: 300 * time.Second},
		metadataTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attachment is one staged asset reference sent with a chat message.
type Attachment struct {
	Key       string `json:"key"`
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Extension string `json:"extension,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// ChatPayload is the single-shot payload built by the packer.
type ChatPayload struct {
	Text        string
	Attachments []Attachment

	// ConversationID continues an existing upstream conversation; empty
	// opens an ephemeral one.
	ConversationID string
}

type chatMessage struct {
	Content     string       `json:"content"`
	ContentType int          `json:"content_type"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type completionOption struct {
	IsRegen                bool   `json:"is_regen"`
	WithSuggest            bool   `json:"with_suggest"`
	NeedCreateConversation bool   `json:"need_create_conversation"`
	LaunchStage            int    `json:"launch_stage"`
	IsReplace              bool   `json:"is_replace"`
	IsDelete               bool   `json:"is_delete"`
	MessageFrom            int    `json:"message_from"`
	EventID                string `json:"event_id"`
}

type chatRequest struct {
	Messages            []chatMessage    `json:"messages"`
	CompletionOption    completionOption `json:"completion_option"`
	ConversationID      string           `json:"conversation_id"`
	LocalConversationID string           `json:"local_conversation_id"`
	LocalMessageID      string           `json:"local_message_id"`
}

// StreamCompletion issues the streaming chat call and returns the raw SSE
// body. Any content type other than text/event-stream is an upstream fault.
func (c *Client) StreamCompletion(ctx context.Context, credential string, payload *ChatPayload) (io.ReadCloser, error) {
	content, err := json.Marshal(map[string]string{"text": payload.Text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message content: %w", err)
	}

	conversationID := payload.ConversationID
	if conversationID == "" {
		conversationID = "0"
	}

	body, err := json.Marshal(&chatRequest{
		Messages: []chatMessage{{
			Content:     string(content),
			ContentType: contentTypeText,
			Attachments: payload.Attachments,
		}},
		CompletionOption: completionOption{
			NeedCreateConversation: payload.ConversationID == "",
			LaunchStage:            1,
			EventID:                "0",
		},
		ConversationID:      conversationID,
		LocalConversationID: fmt.Sprintf("local_%d", time.Now().UnixMilli()),
		LocalMessageID:      uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	endpoint := c.endpoint(chatPath)
	endpoint.RawQuery = c.deviceQuery().Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, credential)
	req.Header.Set("Accept", contentTypeSSE)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrUpstreamRequestFailed,
			"completion call failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.GatewayError{
			Kind:    domain.ErrUpstreamRequestFailed,
			Message: fmt.Sprintf("completion status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct != contentTypeSSE {
		resp.Body.Close()
		return nil, &domain.GatewayError{
			Kind:    domain.ErrUpstreamRequestFailed,
			Message: fmt.Sprintf("expected %s, got %q", contentTypeSSE, ct),
		}
	}

	return resp.Body, nil
}

// DeleteConversation discards an ephemeral upstream conversation. Callers
// treat failures as log-only.
func (c *Client) DeleteConversation(ctx context.Context, credential, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.metadataTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	if err != nil {
		return fmt.Errorf("failed to marshal delete request: %w", err)
	}

	endpoint := c.endpoint(deletePath)
	endpoint.RawQuery = c.deviceQuery().Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete conversation failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete conversation status %d", resp.StatusCode)
	}
	return nil
}

type authTokenResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ServiceID  string `json:"service_id"`
		UploadHost string `json:"upload_host"`
		Auth       struct {
			AccessKeyID     string `json:"access_key_id"`
			SecretAccessKey string `json:"secret_access_key"`
			SessionToken    string `json:"session_token"`
		} `json:"auth"`
	} `json:"data"`
}

// AcquireUploadCredential obtains a fresh STS tuple scoped to one asset
// upload. Credentials are single-use by policy: each asset re-acquires.
func (c *Client) AcquireUploadCredential(ctx context.Context, credential, scene string) (*domain.UploadCredential, error) {
	ctx, cancel := context.WithTimeout(ctx, c.metadataTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"scene": scene})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(authTokenPath).String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth token call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth token status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed authTokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth token response: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("auth token rejected (code %d): %s", parsed.Code, parsed.Msg)
	}
	if parsed.Data.ServiceID == "" || parsed.Data.UploadHost == "" {
		return nil, fmt.Errorf("auth token response missing service or host")
	}

	return &domain.UploadCredential{
		ServiceID:    parsed.Data.ServiceID,
		UploadHost:   parsed.Data.UploadHost,
		AccessKey:    parsed.Data.Auth.AccessKeyID,
		SecretKey:    parsed.Data.Auth.SecretAccessKey,
		SessionToken: parsed.Data.Auth.SessionToken,
	}, nil
}

func (c *Client) endpoint(path string) *url.URL {
	return &url.URL{Scheme: c.scheme, Host: c.host, Path: path}
}

// deviceQuery is the required device/session query set. Every call carries
// the same process-scoped identity.
func (c *Client) deviceQuery() url.Values {
	return url.Values{
		"aid":                 {"497858"},
		"device_id":           {c.identity.DeviceID},
		"device_platform":     {"web"},
		"language":            {"en"},
		"pc_version":          {"2.12.2"},
		"pkg_type":            {"release_version"},
		"real_aid":            {"497858"},
		"region":              {"CN"},
		"samantha_web":        {"1"},
		"sys_region":          {"CN"},
		"tea_uuid":            {c.identity.TeaUUID},
		"use-olympus-account": {"1"},
		"version_code":        {"20800"},
		"web_id":              {c.identity.WebID},
	}
}

func (c *Client) setHeaders(req *http.Request, credential string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "larkbridge/1.0")
	if credential != "" {
		req.AddCookie(&http.Cookie{Name: "sessionid", Value: credential})
	}
}
