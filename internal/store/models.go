package store

import "time"

// Proposal lifecycle statuses.
const (
	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalDeclined = "declined"
	ProposalReported = "reported"
)

// Change event kinds recorded in the append-only log.
const (
	EventProposalSubmitted = "proposal_submitted"
	EventProposalAccepted  = "proposal_accepted"
	EventProposalDeclined  = "proposal_declined"
	EventProposalReported  = "proposal_reported"
	EventRecordEdited      = "record_edited"
)

// Target kinds for change events and proposals.
const (
	TargetEntity = "entity"
	TargetSource = "source"
)

type User struct {
	ID         string
	Username   string
	Privileges []string
	CreatedAt  time.Time
}

// Entity is a person record on the list: the card fields plus an
// optional long-form article kept in its own table.
type Entity struct {
	ID        string
	Name      string
	Title     string
	ImageURL  string
	Tags      []string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Article is an entity's long-form markdown body.
type Article struct {
	EntityID  string
	Markdown  string
	UpdatedBy string
	UpdatedAt time.Time
}

// Source is a citable origin record (publication, archive, site).
type Source struct {
	ID                  string
	Slug                string
	Name                string
	DescriptionMarkdown string
	CoverMediaURL       string
	Tags                []string
	UpdatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Proposal is a pending edit against an entity or source. Base and
// proposed payloads are the canonical encoded snapshots captured at
// submission time.
type Proposal struct {
	ID              string
	TargetKind      string
	TargetID        string
	Scope           string
	BasePayload     string
	ProposedPayload string
	Comment         string
	Status          string
	ReportTriggered bool
	ReviewNote      string
	ProposerID      string
	ResolvedBy      string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

// ChangeEvent is one row of the append-only audit trail.
type ChangeEvent struct {
	ID         int64
	TargetKind string
	TargetID   string
	ProposalID *string
	Kind       string
	ActorID    string
	Payload    map[string]any
	CreatedAt  time.Time
}

// UnsortedFile is a staged upload waiting to be attached to a source.
type UnsortedFile struct {
	ID           string
	ObjectKey    string
	OriginalName string
	ContentType  string
	Size         int64
	UploadedBy   string
	SourceID     *string
	Status       string
	CreatedAt    time.Time
}

// Unsorted file statuses.
const (
	UnsortedStaged    = "staged"
	UnsortedAttached  = "attached"
	UnsortedDiscarded = "discarded"
)

// APIKey is a service credential. Only the bcrypt hash of the secret is
// stored; the key's public ID travels in the token prefix.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	SecretHash string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
