package types

import (
	"time"

	"github.com/jelmore/jelmore/internal/protocol"
)

// SessionConfig is the immutable launch configuration for a session. It is
// fixed at creation and only replaced wholesale on resume.
type SessionConfig struct {
	Variant          string  `json:"variant"`
	Model            string  `json:"model,omitempty"`
	MaxTurns         int     `json:"max_turns,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	WorkingDirectory string  `json:"working_directory,omitempty"`
	Continue         bool    `json:"continue,omitempty"`
}

// Metrics counts per-session activity. Mutated only by the session's owning
// supervisor; read-only everywhere else.
type Metrics struct {
	Turns             int        `json:"turns"`
	MessagesProcessed int        `json:"messages_processed"`
	Errors            int        `json:"errors"`
	DirectoryChanges  int        `json:"directory_changes"`
	FileOperations    int        `json:"file_operations"`
	ToolInvocations   int        `json:"tool_invocations"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Duration returns the wall-clock span of the session, up to now if it has
// not ended.
func (m Metrics) Duration() time.Duration {
	if m.StartedAt.IsZero() {
		return 0
	}
	if m.EndedAt != nil {
		return m.EndedAt.Sub(m.StartedAt)
	}
	return time.Since(m.StartedAt)
}

// Session is the unit of work: one external-process-backed interaction.
// The cache and the durable store each hold a physical representation of
// this record; the durable store is the source of truth.
type Session struct {
	ID               SessionID               `json:"id"`
	Status           Status                  `json:"status"`
	Query            string                  `json:"query"`
	CurrentDirectory string                  `json:"current_directory"`
	Config           SessionConfig           `json:"config"`
	Metadata         map[string]string       `json:"metadata,omitempty"`
	ProcessID        int                     `json:"process_id,omitempty"`
	OutputBuffer     []protocol.DecodedEvent `json:"output_buffer,omitempty"`
	Metrics          Metrics                 `json:"metrics"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	LastActivity     time.Time               `json:"last_activity"`
	TerminatedAt     *time.Time              `json:"terminated_at,omitempty"`
}

// NewSession builds a session in its initial state. An empty id is replaced
// with a generated one.
func NewSession(id SessionID, query string, cfg SessionConfig) *Session {
	if id == "" {
		id = NewSessionID()
	}
	now := time.Now().UTC()
	return &Session{
		ID:               id,
		Status:           StatusInitializing,
		Query:            query,
		CurrentDirectory: cfg.WorkingDirectory,
		Config:           cfg,
		Metadata:         make(map[string]string),
		Metrics:          Metrics{StartedAt: now},
		CreatedAt:        now,
		UpdatedAt:        now,
		LastActivity:     now,
	}
}

// Clone returns a deep copy safe to hand outside the owning supervisor.
func (s *Session) Clone() *Session {
	dup := *s
	if s.Metadata != nil {
		dup.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			dup.Metadata[k] = v
		}
	}
	if s.OutputBuffer != nil {
		dup.OutputBuffer = make([]protocol.DecodedEvent, len(s.OutputBuffer))
		copy(dup.OutputBuffer, s.OutputBuffer)
	}
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		dup.TerminatedAt = &t
	}
	if s.Metrics.EndedAt != nil {
		t := *s.Metrics.EndedAt
		dup.Metrics.EndedAt = &t
	}
	return &dup
}

// SessionFilter narrows List results. Zero values match everything.
type SessionFilter struct {
	Status Status
	Limit  int
}
