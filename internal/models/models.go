// Package models defines the core data structures used throughout the
// application: persisted entities, in-memory handles, and the request/
// response DTOs exchanged with external collaborators.
package models

import (
	"time"
)

// --- Knowledge pipeline ---

// SourceKind enumerates the supported KnowledgeSource origins.
type SourceKind string

const (
	SourceKindText SourceKind = "text"
	SourceKindFile SourceKind = "file"
	SourceKindURL  SourceKind = "url"
	SourceKindSite SourceKind = "site"
)

// SourceStatus enumerates the KnowledgeSource lifecycle states.
type SourceStatus string

const (
	StatusPending  SourceStatus = "pending"
	StatusIndexing SourceStatus = "indexing"
	StatusReady    SourceStatus = "ready"
	StatusError    SourceStatus = "error"
)

// KnowledgeSource is the persisted record for one logical knowledge item.
// Identity is (OwnerID, SourceID); see internal/knowledge for the repository.
type KnowledgeSource struct {
	OwnerID   string                 `db:"owner_id" json:"owner_id"`
	SourceID  string                 `db:"source_id" json:"source_id"`
	Kind      SourceKind             `db:"type" json:"type"`
	URI       string                 `db:"uri" json:"uri"`
	Title     string                 `db:"title" json:"title"`
	Status    SourceStatus           `db:"status" json:"status"`
	Progress  int                    `db:"progress" json:"progress"`
	Metadata  map[string]interface{} `db:"-" json:"metadata"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt time.Time              `db:"updated_at" json:"updated_at"`
}

// Well-known KnowledgeSource.Metadata keys.
const (
	MetaSavedPath            = "saved_path"
	MetaOrigFilename         = "orig_filename"
	MetaExtractedText        = "extracted_text"
	MetaPreviewPDF           = "preview_pdf"
	MetaPreviewPDFGeneration = "preview_pdf_generation"
	MetaIndexingError        = "indexing_error"
	MetaIndexingErrorReason  = "indexing_error_reason"
	MetaReindexRequestedAt   = "reindex_requested_at"
	MetaText                 = "text"
	MetaTriedParse           = "tried_parse"
)

// KnowledgeSourceView is the serialized form returned to API consumers,
// with content/preview/filename/file_url lifted out of Metadata for
// downstream consumers.
type KnowledgeSourceView struct {
	OwnerID  string                 `json:"owner_id"`
	SourceID string                 `json:"source_id"`
	Kind     SourceKind             `json:"type"`
	URI      string                 `json:"uri"`
	Title    string                 `json:"title"`
	Status   SourceStatus           `json:"status"`
	Progress int                    `json:"progress"`
	Content  string                 `json:"content,omitempty"`
	Preview  string                 `json:"preview,omitempty"`
	Filename string                 `json:"filename,omitempty"`
	FileURL  string                 `json:"file_url,omitempty"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SparseVector is a TF-IDF-style {indexes, values} pair.
type SparseVector struct {
	Indexes []int     `json:"indexes"`
	Values  []float64 `json:"values"`
}

// KnowledgeChunk is one vector point: a dense (and optionally sparse)
// embedding of a text span, with a deterministic id derived from
// (OwnerID, SourceID, Offset).
type KnowledgeChunk struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	SourceID    string       `json:"source_id"`
	Title       string       `json:"title"`
	Offset      int          `json:"offset"`
	TextPreview string       `json:"text_preview"`
	SourceType  SourceKind   `json:"source_type"`
	Dense       []float32    `json:"-"`
	Sparse      SparseVector `json:"-"`
}

// RetrievalHit is one ranked result from the Retrieval Service.
type RetrievalHit struct {
	ID          string                 `json:"id"`
	Score       float64                `json:"score"`
	FusedScore  *float64               `json:"fused_score,omitempty"`
	Payload     map[string]interface{} `json:"payload"`
	TextPreview string                 `json:"text_preview"`
	Source      *KnowledgeSource       `json:"db,omitempty"`
}

// --- Conversational core ---

// ConversationBatchItem is one inbound message folded into a batch. It never
// reaches persistent storage on its own.
type ConversationBatchItem struct {
	Text       string          `json:"text,omitempty"`
	Images     []string        `json:"images,omitempty"`
	Files      []AttachedFile  `json:"files,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// AttachedFile is a file reference carried on a ConversationBatchItem.
type AttachedFile struct {
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	ID   string `json:"id,omitempty"`
}

// AgentConfig is the persisted configuration for one agent: identity,
// channel bindings, tool list, and default knowledge options. Loaded by the
// Agent Instance on first dispatch and re-read whenever project_tools
// changes; consulted by the Handler Registry for channel-to-agent
// resolution.
type AgentConfig struct {
	BusinessID    string        `db:"business_id" json:"business_id"`
	AgentID       string        `db:"agent_id" json:"agent_id"`
	Name          string        `db:"name" json:"name"`
	Active        bool          `db:"active" json:"active"`
	SystemPrompt  string        `db:"system_prompt" json:"system_prompt,omitempty"`
	Channels      []string      `db:"-" json:"channels"`
	Tools         []string      `db:"-" json:"tools"`
	KnowledgeMode KnowledgeMode `db:"knowledge_mode" json:"knowledge_mode"`
	KnowledgeIDs  []string      `db:"-" json:"knowledge_source_ids,omitempty"`
	KnowledgeTopK int           `db:"knowledge_top_k" json:"knowledge_top_k"`
	ProjectID     *string       `db:"project_id" json:"project_id,omitempty"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// ProjectConfig carries the project-scoped tool list and knowledge
// selection a Dispatcher run layers on top of its agent's
// defaults when a message arrives with a project_id.
type ProjectConfig struct {
	BusinessID    string        `db:"business_id" json:"business_id"`
	ProjectID     string        `db:"project_id" json:"project_id"`
	Tools         []string      `db:"-" json:"tools"`
	KnowledgeMode KnowledgeMode `db:"knowledge_mode" json:"knowledge_mode"`
	KnowledgeIDs  []string      `db:"-" json:"knowledge_source_ids,omitempty"`
	KnowledgeTopK int           `db:"knowledge_top_k" json:"knowledge_top_k"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// KnowledgeMode controls which sources the Dispatcher exposes to the agent.
type KnowledgeMode string

const (
	KnowledgeModePinned   KnowledgeMode = "pinned"
	KnowledgeModeSelected KnowledgeMode = "selected"
	KnowledgeModeAll      KnowledgeMode = "all"
)

// KnowledgeOptions is built by the Dispatcher and handed to the
// Agent Instance.
type KnowledgeOptions struct {
	Mode       KnowledgeMode `json:"mode"`
	SelectedIDs []string     `json:"selected_ids,omitempty"`
	TopK       int           `json:"top_k"`
}

// AgentRunResult is what an Agent Instance returns.
type AgentRunResult struct {
	FinalOutput string     `json:"final_output"`
	ToolsUsed   []ToolUsed `json:"tools_used"`
}

// ToolUsed records one tool invocation surfaced to the caller.
type ToolUsed struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	OK        bool                   `json:"ok"`
	Result    string                 `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NormalizedBlock is one piece of a response after the Dispatcher's
// normalization pass: either text, an image, or both.
type NormalizedBlock struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// --- Persisted conversation schemas ---

// ConversationHistoryRecord is one persisted turn of a conversation.
type ConversationHistoryRecord struct {
	ID                int64      `db:"id" json:"id"`
	BusinessID        string     `db:"business_id" json:"business_id"`
	AgentID           string     `db:"agent_id" json:"agent_id"`
	ThreadID          *string    `db:"thread_id" json:"thread_id,omitempty"`
	ProjectID         *string    `db:"project_id" json:"project_id,omitempty"`
	CustomerID        string     `db:"customer_id" json:"customer_id"`
	IdempotencyKey    *string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CustomerMessage   []byte     `db:"customer_message" json:"customer_message,omitempty"`
	AssistantResponse []byte     `db:"assistant_response" json:"assistant_response,omitempty"`
	BusinessResponse  []byte     `db:"business_response" json:"business_response,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// ConversationSummary is the (business, customer)-keyed row the Dispatcher
// upserts after every reply.
type ConversationSummary struct {
	BusinessID              string     `db:"business_id" json:"business_id"`
	CustomerID              string     `db:"customer_id" json:"customer_id"`
	AgentID                 string     `db:"agent_id" json:"agent_id"`
	ThreadID                *string    `db:"thread_id" json:"thread_id,omitempty"`
	LastReadAt              time.Time  `db:"last_read_at" json:"last_read_at"`
	LastAssistantResponse   string     `db:"last_assistant_response" json:"last_assistant_response"`
	ManualResponse          bool       `db:"manual_response" json:"manual_response"`
	ManualResponseExpiresAt *time.Time `db:"manual_response_expires_at" json:"manual_response_expires_at,omitempty"`
}

// --- Auth / token schemas ---

// Role enumerates the principals a RefreshTokenRecord can belong to.
type Role string

const (
	RoleUser     Role = "user"
	RoleBusiness Role = "business"
)

// RefreshTokenRecord is the persisted row backing refresh-token rotation.
// Identity is JTI.
type RefreshTokenRecord struct {
	JTI       string    `db:"jti" json:"jti"`
	UserID    string    `db:"user_id" json:"user_id"`
	Role      Role      `db:"role" json:"role"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Revoked   bool      `db:"revoked" json:"revoked"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// UserAccountsLink ties a principal to linked third-party accounts under a
// given refresh session (jti). On rotation, rows are copied to the new jti.
type UserAccountsLink struct {
	MainUserID  string `db:"main_user_id" json:"main_user_id"`
	AccountType string `db:"account_type" json:"account_type"`
	AccountID   string `db:"account_id" json:"account_id"`
	SessionJTI  string `db:"session_jti" json:"session_jti"`
}

// PasswordResetToken stores only a SHA-256 hash of a single-use random
// token; the raw token is never persisted.
type PasswordResetToken struct {
	UserPhone string    `db:"user_phone" json:"user_phone"`
	TokenHash string    `db:"token_hash" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// User is a minimal principal record: the shape the core needs to mint
// and validate tokens against.
type User struct {
	ID             string  `db:"id" json:"id"`
	Username       string  `db:"username" json:"username"`
	HashedPassword *string `db:"hashed_password" json:"-"`
	Provider       string  `db:"provider" json:"provider"`
	ProviderID     *string `db:"provider_id" json:"-"`
	Role           Role    `db:"role" json:"role"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// UserResponse is the safe, client-facing representation of a User.
type UserResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// --- HTTP request payloads ---

// AuthRequest is used for login and registration.
type AuthRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RefreshTokenRequest carries the refresh token to rotate.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// GoogleAuthRequest carries a Google ID token for sign-in.
type GoogleAuthRequest struct {
	Token string `json:"token" validate:"required"`
}

// RefreshResponse is returned by a successful refresh rotation.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Role         Role   `json:"role"`
}

// ChannelMessageRequest is the channel-agnostic payload every inbound
// adapter normalizes to before calling Handler.Add.
type ChannelMessageRequest struct {
	Channel             string         `json:"channel" validate:"required"`
	AgentID             string         `json:"agent_id"` // optional: non-WebSocket channels resolve the agent by channel
	UserID              string         `json:"user_id" validate:"required"`
	ThreadID            *string        `json:"thread_id,omitempty"`
	ProjectID           *string        `json:"project_id,omitempty"`
	Text                *string        `json:"text,omitempty"`
	AudioTranscription  *string        `json:"audio_transcription,omitempty"`
	Images              []string       `json:"images,omitempty"`
	Shares              []string       `json:"shares,omitempty"`
	Stories             []string       `json:"stories,omitempty"`
	Files               []AttachedFile `json:"files,omitempty"`
	ReplyToMessageID    *string        `json:"reply_to_message_id,omitempty"`
}

// KnowledgeSourceRequest is the body for creating/uploading a KnowledgeSource.
type KnowledgeSourceRequest struct {
	Kind  SourceKind `json:"type" validate:"required,oneof=text file url site"`
	URI   string     `json:"uri"`
	Title string     `json:"title" validate:"required"`
	Text  string      `json:"text,omitempty"`
}
