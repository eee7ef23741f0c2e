// Package taskservice implements the Task Service: the typed public API
// that hook-client collaborators call to enqueue work, sitting above the
// TaskQueue Repository and resolving capability strings, priorities, and
// backpressure for every task kind the orchestration core accepts.
package taskservice

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/memoryd/memoryd/internal/config"
	"github.com/memoryd/memoryd/internal/queue"
	"github.com/memoryd/memoryd/internal/queueerr"
)

// Observation is the narrow view of an observation row the Task Service
// needs to prefetch into a worker's payload, read from the (out-of-scope)
// observation store via ObservationReader.
type Observation struct {
	ID         string          `json:"id"`
	Project    string          `json:"project"`
	ToolName   string          `json:"toolName"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput json.RawMessage `json:"toolOutput,omitempty"`
	Cwd        string          `json:"cwd,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Summary is the narrow view of a session summary row.
type Summary struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ObservationReader supplies the observation prefetch data for
// queueSummarize, queueContextGenerate, and queueClaudeMd. Implemented by a
// collaborator outside the orchestration core's scope; tests supply a fake.
type ObservationReader interface {
	ListByProject(ctx context.Context, project, cwdPrefix string, limit int) ([]Observation, error)
	ListByIDs(ctx context.Context, ids []string) ([]Observation, error)
}

// SessionReader supplies a session's recorded user prompt for
// queueSummarize.
type SessionReader interface {
	UserPrompt(ctx context.Context, sessionID string) (string, error)
}

// SummaryReader supplies recent summaries for queueClaudeMd.
type SummaryReader interface {
	ListRecent(ctx context.Context, project string, limit int) ([]Summary, error)
}

// Config configures a Task Service instance.
type Config struct {
	Queue *queue.Store

	// Capabilities maps a task kind ("observation", "summarize", ...) to its
	// default provider and ordered fallback list, as configured for the
	// running backend.
	Capabilities map[string]config.CapabilityRule

	// BasePriority is the priority assigned to "observation" tasks; every
	// other kind is offset from it per the configured priority policy.
	BasePriority int

	// MaxPendingTasks caps pending+assigned+processing tasks across the
	// whole queue before enqueue operations return ErrQueueFull. Zero means
	// unlimited.
	MaxPendingTasks int

	// PollInterval is the sleep interval executeSemanticSearch uses between
	// findById polls. Defaults to 250ms.
	PollInterval time.Duration

	Observations ObservationReader
	Sessions     SessionReader
	Summaries    SummaryReader

	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.BasePriority == 0 {
		c.BasePriority = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// priorityOffset is the priority policy's offset from BasePriority, keyed
// by task kind.
var priorityOffset = map[string]int{
	"observation":      0,
	"context-generate": 10,
	"summarize":        -10,
	"embedding":        -20,
	"claude-md":        -20,
	"semantic-search":  0,
}

// Service is the Task Service: typed enqueue operations over the TaskQueue
// Repository.
type Service struct {
	cfg     Config
	schemas map[string]*jsonschema.Schema
}

// New constructs a Task Service. Returns an error if any embedded payload
// schema fails to compile.
func New(cfg Config) (*Service, error) {
	cfg.normalize()
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, schemas: schemas}, nil
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for kind, raw := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("taskservice: unmarshal %s schema: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		resource := kind + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("taskservice: add %s schema resource: %w", kind, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("taskservice: compile %s schema: %w", kind, err)
		}
		out[kind] = schema
	}
	return out, nil
}

// validatePayload checks payload against the compiled schema for kind, if
// one is registered, returning ErrInvalidPayload wrapping the validator's
// error on mismatch.
func (s *Service) validatePayload(kind string, payload interface{}) error {
	schema, ok := s.schemas[kind]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("taskservice: marshal %s payload: %w", kind, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: %s: invalid JSON: %v", queueerr.ErrInvalidPayload, kind, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", queueerr.ErrInvalidPayload, kind, err)
	}
	return nil
}

// resolveCapability applies the capability resolution policy: an explicit
// preferredProvider wins, otherwise the configured default provider for
// kind is used; fallbacks are the remaining configured providers for kind,
// in declared order, excluding whichever one was chosen as required.
func (s *Service) resolveCapability(kind, preferredProvider string) (required string, fallbacks []string, err error) {
	rule, ok := s.cfg.Capabilities[kind]
	if !ok {
		return "", nil, fmt.Errorf("taskservice: no capability rule configured for %q", kind)
	}
	provider := preferredProvider
	if provider == "" {
		provider = rule.DefaultProvider
	}
	required = kind + ":" + provider

	for _, p := range rule.FallbackProviders {
		fb := kind + ":" + p
		if fb == required {
			continue
		}
		fallbacks = append(fallbacks, fb)
	}
	return required, fallbacks, nil
}

func (s *Service) priority(kind string) int {
	return s.cfg.BasePriority + priorityOffset[kind]
}

// checkBackpressure throws ErrQueueFull when the sum of non-terminal tasks
// already meets or exceeds MaxPendingTasks.
func (s *Service) checkBackpressure(ctx context.Context) error {
	if s.cfg.MaxPendingTasks <= 0 {
		return nil
	}
	var total int
	for _, st := range []queue.Status{queue.StatusPending, queue.StatusAssigned, queue.StatusProcessing} {
		n, err := s.cfg.Queue.CountByStatus(ctx, st)
		if err != nil {
			return fmt.Errorf("taskservice: count by status %s: %w", st, err)
		}
		total += n
	}
	if total > s.cfg.MaxPendingTasks {
		return queueerr.ErrQueueFull
	}
	return nil
}

// sha256Hex returns the hex-encoded sha256 digest of s.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:])
}

// computeDedupKey builds a task's deduplication key: the sha256 digest of
// kind and parts joined with \x1f (ASCII unit separator), truncated to 32
// hex chars.
func computeDedupKey(kind string, parts ...string) string {
	joined := kind
	for _, p := range parts {
		joined += "\x1f" + p
	}
	return sha256Hex(joined)[:32]
}

func (s *Service) enqueue(ctx context.Context, kind, required string, fallbacks []string, payload interface{}, dedupKey string) (queue.Task, error) {
	if err := s.validatePayload(kind, payload); err != nil {
		return queue.Task{}, err
	}
	if err := s.checkBackpressure(ctx); err != nil {
		return queue.Task{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return queue.Task{}, fmt.Errorf("taskservice: marshal %s payload: %w", kind, err)
	}

	params := queue.CreateParams{
		Type:                 kind,
		RequiredCapability:   required,
		FallbackCapabilities: fallbacks,
		Payload:              string(raw),
		Priority:             s.priority(kind),
		DeduplicationKey:     dedupKey,
	}

	if dedupKey == "" {
		return s.cfg.Queue.Create(ctx, params)
	}
	task, created, err := s.cfg.Queue.CreateIfNotExists(ctx, params)
	if err != nil {
		return queue.Task{}, err
	}
	if !created {
		s.cfg.Logger.Debug("taskservice: coalesced into existing pending task", "type", kind, "task_id", task.ID)
	}
	return task, nil
}

// observationPayload is the wire shape queueObservation assembles.
type observationPayload struct {
	SessionID       string          `json:"sessionId"`
	Project         string          `json:"project"`
	ToolName        string          `json:"toolName"`
	ToolInput       json.RawMessage `json:"toolInput"`
	ToolOutput      json.RawMessage `json:"toolOutput"`
	PromptNumber    int             `json:"promptNumber,omitempty"`
	GitBranch       string          `json:"gitBranch,omitempty"`
	Cwd             string          `json:"cwd,omitempty"`
	TargetDirectory string          `json:"targetDirectory,omitempty"`
}

// QueueObservation enqueues a single tool-call observation.
func (s *Service) QueueObservation(ctx context.Context, sessionID, project, toolName string, toolInput, toolOutput json.RawMessage, promptNumber int, preferredProvider, gitBranch, cwd, targetDirectory string) (queue.Task, error) {
	required, fallbacks, err := s.resolveCapability("observation", preferredProvider)
	if err != nil {
		return queue.Task{}, err
	}
	payload := observationPayload{
		SessionID:       sessionID,
		Project:         project,
		ToolName:        toolName,
		ToolInput:       toolInput,
		ToolOutput:      toolOutput,
		PromptNumber:    promptNumber,
		GitBranch:       gitBranch,
		Cwd:             cwd,
		TargetDirectory: targetDirectory,
	}
	key := computeDedupKey("observation", sessionID, strconv.Itoa(promptNumber), toolName, sha256Hex(string(toolOutput)))
	return s.enqueue(ctx, "observation", required, fallbacks, payload, key)
}

// summarizePayload is the wire shape queueSummarize assembles, prefetched
// with the session's user prompt and current observation set so the
// worker is stateless.
type summarizePayload struct {
	SessionID    string        `json:"sessionId"`
	Project      string        `json:"project"`
	UserPrompt   string        `json:"userPrompt"`
	Observations []Observation `json:"observations"`
}

// QueueSummarize loads the session's user prompt and current observation
// set from the configured readers, then enqueues a summarize task.
func (s *Service) QueueSummarize(ctx context.Context, sessionID, project, preferredProvider string) (queue.Task, error) {
	required, fallbacks, err := s.resolveCapability("summarize", preferredProvider)
	if err != nil {
		return queue.Task{}, err
	}

	userPrompt, err := s.cfg.Sessions.UserPrompt(ctx, sessionID)
	if err != nil {
		return queue.Task{}, fmt.Errorf("taskservice: load user prompt: %w", err)
	}
	observations, err := s.cfg.Observations.ListByProject(ctx, project, "", 0)
	if err != nil {
		return queue.Task{}, fmt.Errorf("taskservice: load observations: %w", err)
	}

	payload := summarizePayload{
		SessionID:    sessionID,
		Project:      project,
		UserPrompt:   userPrompt,
		Observations: observations,
	}
	key := computeDedupKey("summarize", sessionID)
	return s.enqueue(ctx, "summarize", required, fallbacks, payload, key)
}

// embeddingPayload is the wire shape queueEmbedding assembles.
type embeddingPayload struct {
	ObservationIDs []string `json:"observationIds"`
}

// QueueEmbedding enqueues an embedding-generation task over the given
// observation IDs.
func (s *Service) QueueEmbedding(ctx context.Context, observationIDs []string, preferredProvider string) (queue.Task, error) {
	required, fallbacks, err := s.resolveCapability("embedding", preferredProvider)
	if err != nil {
		return queue.Task{}, err
	}
	payload := embeddingPayload{ObservationIDs: observationIDs}
	sortedIDs := append([]string(nil), observationIDs...)
	sort.Strings(sortedIDs)
	key := computeDedupKey("embedding", strings.Join(sortedIDs, ","))
	return s.enqueue(ctx, "embedding", required, fallbacks, payload, key)
}

// contextGeneratePayload is the wire shape queueContextGenerate assembles,
// prefetched with recent observations so the worker is stateless.
type contextGeneratePayload struct {
	Project      string        `json:"project"`
	Query        string        `json:"query,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Observations []Observation `json:"observations"`
}

// QueueContextGenerate prefetches recent observations for project, then
// enqueues a context-generate task.
func (s *Service) QueueContextGenerate(ctx context.Context, project, query string, limit int) (queue.Task, error) {
	required, fallbacks, err := s.resolveCapability("context-generate", "")
	if err != nil {
		return queue.Task{}, err
	}

	observations, err := s.cfg.Observations.ListByProject(ctx, project, "", limit)
	if err != nil {
		return queue.Task{}, fmt.Errorf("taskservice: load observations: %w", err)
	}

	payload := contextGeneratePayload{
		Project:      project,
		Query:        query,
		Limit:        limit,
		Observations: observations,
	}
	key := computeDedupKey("context-generate", project, query)
	return s.enqueue(ctx, "context-generate", required, fallbacks, payload, key)
}

// claudeMdPayload is the wire shape queueClaudeMd assembles, prefetched
// with observations (optionally filtered to targetDirectory) and recent
// summaries.
type claudeMdPayload struct {
	ContentSessionID string        `json:"contentSessionId"`
	MemorySessionID  string        `json:"memorySessionId"`
	Project          string        `json:"project"`
	WorkingDirectory string        `json:"workingDirectory,omitempty"`
	TargetDirectory  string        `json:"targetDirectory,omitempty"`
	Observations     []Observation `json:"observations"`
	Summaries        []Summary     `json:"summaries"`
}

// QueueClaudeMd prefetches observations and recent summaries, then uses
// createIfNotExists keyed on (project, memorySessionID) to coalesce bursts
// of CLAUDE.md regeneration requests into a single pending task.
func (s *Service) QueueClaudeMd(ctx context.Context, contentSessionID, memorySessionID, project, workingDirectory, targetDirectory string) (queue.Task, error) {
	required, fallbacks, err := s.resolveCapability("claude-md", "")
	if err != nil {
		return queue.Task{}, err
	}

	observations, err := s.cfg.Observations.ListByProject(ctx, project, targetDirectory, 0)
	if err != nil {
		return queue.Task{}, fmt.Errorf("taskservice: load observations: %w", err)
	}
	summaries, err := s.cfg.Summaries.ListRecent(ctx, project, 0)
	if err != nil {
		return queue.Task{}, fmt.Errorf("taskservice: load summaries: %w", err)
	}

	payload := claudeMdPayload{
		ContentSessionID: contentSessionID,
		MemorySessionID:  memorySessionID,
		Project:          project,
		WorkingDirectory: workingDirectory,
		TargetDirectory:  targetDirectory,
		Observations:     observations,
		Summaries:        summaries,
	}
	key := computeDedupKey("claude-md", project, memorySessionID)
	return s.enqueue(ctx, "claude-md", required, fallbacks, payload, key)
}

// semanticSearchPayload is the wire shape executeSemanticSearch assembles.
type semanticSearchPayload struct {
	Query   string            `json:"query"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// ExecuteSemanticSearch enqueues a semantic-search task and blocks, polling
// findById on a sleep interval, until the task reaches a terminal status or
// timeoutMs elapses. Returns the stored result on completion; returns an
// error if the task fails or the timeout is reached first.
func (s *Service) ExecuteSemanticSearch(ctx context.Context, query string, filters map[string]string, limit int, timeoutMs int64) (string, error) {
	required, fallbacks, err := s.resolveCapability("semantic-search", "")
	if err != nil {
		return "", err
	}
	payload := semanticSearchPayload{Query: query, Filters: filters, Limit: limit}
	task, err := s.enqueue(ctx, "semantic-search", required, fallbacks, payload, "")
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		reloaded, err := s.cfg.Queue.FindByID(ctx, task.ID)
		if err != nil {
			return "", fmt.Errorf("taskservice: poll task %s: %w", task.ID, err)
		}
		switch reloaded.Status {
		case queue.StatusCompleted:
			return reloaded.Result, nil
		case queue.StatusFailed, queue.StatusTimeout:
			return "", fmt.Errorf("semantic search task %s %s: %s", task.ID, reloaded.Status, reloaded.Error)
		}

		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: semantic search task %s", queueerr.ErrTimeout, task.ID)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}
