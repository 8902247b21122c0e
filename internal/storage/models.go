package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	SourceWeb            = "web"
	SourceMobile         = "mobile"
	SourceAppIntegration = "app_integration"

	ModeAsk   = "ask"
	ModeBuild = "build"

	ClarificationAction    = "action"
	ClarificationRetrieval = "retrieval"

	ChangeInitial   = "initial"
	ChangeManual    = "manual_edit"
	ChangeFollowUp  = "follow_up"
	ChangeExecution = "execution"

	AttachmentPending  = "pending"
	AttachmentUploaded = "uploaded"
	AttachmentFailed   = "failed"

	VectorizationQueued  = "queued"
	VectorizationRunning = "running"
	VectorizationSuccess = "success"
	VectorizationFailed  = "failed"
)

type Chat struct {
	ID                 string
	UserID             string
	WorkspaceID        *string
	WorkspaceSlug      string
	Title              string
	Description        string
	IsFavorite         bool
	IsProjectChat      bool
	WorkspaceInContext bool
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ChatPreference is a point-in-time snapshot of the user's UI state for a
// chat. Rows are appended, never updated; the newest row is authoritative.
// FocusProjectID and FocusWorkspaceID are legacy columns kept for readers
// that predate the polymorphic focus fields.
type ChatPreference struct {
	ID               string
	ChatID           string
	UserID           string
	FocusEntityType  *string
	FocusEntityID    *string
	FocusProjectID   *string
	FocusWorkspaceID *string
	Mode             string
	IsFocusEnabled   bool
	CreatedAt        time.Time
}

type Message struct {
	ID          string
	ChatID      string
	UserID      string
	WorkspaceID *string
	Role        string
	Content     string
	Source      string
	Position    int
	ToolTrace   string
	Feedback    *string
	Reaction    *string
	CreatedAt   time.Time
}

type Clarification struct {
	ID                  string
	ChatID              string
	MessageID           string
	WorkspaceID         *string
	Kind                string
	Pending             bool
	OriginalQuery       string
	Payload             string
	Categories          []string
	MethodToolNames     []string
	BoundToolNames      []string
	AnswerText          *string
	ResolvedByMessageID *string
	ResolvedAt          *time.Time
	CreatedAt           time.Time
}

type Artifact struct {
	ID          string
	ChatID      string
	MessageID   *string
	WorkspaceID *string
	Sequence    int
	Entity      string
	EntityID    *string
	Action      string
	Data        string
	IsExecuted  bool
	Success     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ArtifactVersion struct {
	ID            string
	ArtifactID    string
	VersionNumber int
	ChangeType    string
	Data          string
	MessageID     *string
	IsLatest      bool
	IsExecuted    bool
	Success       bool
	CreatedAt     time.Time
}

type Attachment struct {
	ID          string
	ChatID      string
	UserID      string
	WorkspaceID *string
	MessageID   *string
	Filename    string
	MimeType    string
	SizeBytes   int64
	FileType    string
	Status      string
	StorageKey  string
	CreatedAt   time.Time
}

type LLMUsage struct {
	ID               string
	UserID           *string
	WorkspaceID      *string
	UsageType        string
	UsageID          string
	RequestedModel   string
	Model            string
	ModelVerified    bool
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	CostUSD          float64
	CreatedAt        time.Time
}

// Pricing holds USD prices per million tokens.
type Pricing struct {
	Model              string
	InputPerMTok       float64
	CachedInputPerMTok float64
	OutputPerMTok      float64
}

type DupesTracking struct {
	ID               string
	WorkspaceID      string
	UserID           string
	Input            string
	Output           string
	DurationMs       int64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CreatedAt        time.Time
}

type WorkspaceVectorization struct {
	WorkspaceID   string
	WorkspaceSlug string
	Status        string
	Entities      []string
	BatchSize     int
	LiveSync      bool
	Progress      float64
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type IntegrationLink struct {
	Provider       string
	ExternalChatID string
	UserID         string
	WorkspaceID    string
	WorkspaceSlug  string
	ChatID         *string
	CreatedAt      time.Time
}
