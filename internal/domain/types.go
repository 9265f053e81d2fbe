package domain

import "time"

// Role values accepted on inbound chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents one turn of a conversation. Content is either a
// plain string or an ordered list of parts (text, image, file).
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// CompletionRequest is the normalized inbound record handed to the
// orchestrator by the serving layer.
type CompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	// Credential is the opaque upstream session token extracted from the
	// caller's Authorization header. Never logged.
	Credential string `json:"-"`

	// ConversationID, when set, continues an existing upstream conversation
	// instead of opening an ephemeral one.
	ConversationID string `json:"-"`
}

// Usage reports token accounting on buffered responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionObject is the buffered response shape. FinishReason is always
// "stop" on success.
type CompletionObject struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice holds the single completion alternative we ever produce.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Message is the flattened assistant output inside a Choice.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChunk is one element of a live sequence.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries an incremental delta plus a nullable finish reason.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental payload of a chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// FinishReasonStop is the only finish reason surfaced on success.
const FinishReasonStop = "stop"

// AssetKind distinguishes the two attachment channels the upstream accepts.
type AssetKind string

const (
	AssetKindImage AssetKind = "image"
	AssetKindFile  AssetKind = "file"
)

// AssetRef is the resolved handle for one staged attachment. Created by the
// upload pipeline, consumed exactly once when the upstream payload is built.
type AssetRef struct {
	StorageKey string
	Kind       AssetKind
	Width      int
	Height     int
	Name       string
	Extension  string
}

// UploadCredential is the short-lived STS tuple scoping one asset upload.
// Never cached or reused across assets.
type UploadCredential struct {
	ServiceID    string
	UploadHost   string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// StagedObject is the intermediate handle returned by the apply phase and
// consumed by the binary-transfer and commit phases of the same upload.
type StagedObject struct {
	StoreURI   string
	AuthToken  string
	ObjectHost string
}

// Interaction is one recorded gateway request, persisted after completion.
type Interaction struct {
	ID             string
	Model          string
	Streaming      bool
	Status         string
	FinishReason   string
	PromptChars    int
	ResponseChars  int
	ErrorKind      string
	Duration       time.Duration
	ConversationID string
	CreatedAt      time.Time
}

// Interaction status values.
const (
	InteractionStatusSuccess = "success"
	InteractionStatusError   = "error"
)
