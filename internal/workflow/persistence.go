package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/models"
)

// persistedDocument is the store's single JSON document: maps keyed by
// name/id for definitions, executions, transitions, approvals, and output
// chunks.
type persistedDocument struct {
	Definitions             map[string]models.WorkflowDefinition    `json:"definitions"`
	Executions              map[string]models.WorkflowExecution     `json:"executions"`
	TransitionsByExecution  map[string][]models.StateTransition     `json:"transitions_by_execution"`
	Approvals               map[string]models.ApprovalRequest       `json:"approvals"`
	OutputChunksByExecution map[string][]models.OutputChunk         `json:"output_chunks_by_execution"`
}

func newPersistedDocument() persistedDocument {
	return persistedDocument{
		Definitions:             make(map[string]models.WorkflowDefinition),
		Executions:              make(map[string]models.WorkflowExecution),
		TransitionsByExecution:  make(map[string][]models.StateTransition),
		Approvals:               make(map[string]models.ApprovalRequest),
		OutputChunksByExecution: make(map[string][]models.OutputChunk),
	}
}

// Persistence is the append-only JSON store backing definitions,
// executions, transitions, approvals and output chunks.
//
// Writes are serialized behind a single lock and rewrite the whole file
// atomically (write-to-temp + rename); reads take the same lock in shared
// mode and always observe the last committed snapshot.
type Persistence struct {
	mu   sync.RWMutex
	path string
	doc  persistedDocument
}

// NewPersistence opens (or creates) the JSON store at path.
func NewPersistence(path string) (*Persistence, error) {
	p := &Persistence{path: path, doc: newPersistedDocument()}
	if path == "" {
		return p, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read persistence file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p.doc); err != nil {
		return nil, fmt.Errorf("workflow: parse persistence file %s: %w", path, err)
	}
	if p.doc.Definitions == nil {
		p.doc = newPersistedDocument()
	}
	return p, nil
}

// saveLocked rewrites the document to disk via write-to-temp + rename.
// Caller must hold p.mu for writing.
func (p *Persistence) saveLocked() error {
	if p.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(p.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("workflow: marshal persistence document: %w", err)
	}
	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".workflow-store-*.tmp")
	if err != nil {
		return fmt.Errorf("workflow: create temp persistence file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("workflow: write temp persistence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("workflow: close temp persistence file: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("workflow: rename temp persistence file: %w", err)
	}
	return nil
}

// SaveDefinition upserts def by name.
func (p *Persistence) SaveDefinition(def models.WorkflowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Definitions[def.Name] = def
	return p.saveLocked()
}

// GetDefinition looks up a definition by name.
func (p *Persistence) GetDefinition(name string) (models.WorkflowDefinition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.doc.Definitions[name]
	return d, ok
}

// ListDefinitions returns every stored definition.
func (p *Persistence) ListDefinitions() []models.WorkflowDefinition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.WorkflowDefinition, 0, len(p.doc.Definitions))
	for _, d := range p.doc.Definitions {
		out = append(out, d)
	}
	return out
}

// SaveExecution upserts an execution by id.
func (p *Persistence) SaveExecution(exec models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Executions[exec.ID.String()] = exec
	return p.saveLocked()
}

// GetExecution looks up an execution by id.
func (p *Persistence) GetExecution(id uuid.UUID) (models.WorkflowExecution, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.doc.Executions[id.String()]
	return e, ok
}

// ListExecutions returns every execution, optionally filtered by workflow
// name (pass "" for all).
func (p *Persistence) ListExecutions(workflowName string) []models.WorkflowExecution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.WorkflowExecution, 0, len(p.doc.Executions))
	for _, e := range p.doc.Executions {
		if workflowName == "" || e.WorkflowName == workflowName {
			out = append(out, e)
		}
	}
	return out
}

// AppendTransition appends t to executionID's transition log and updates
// the execution's denormalized Transitions slice and CurrentState in one
// atomic write.
func (p *Persistence) AppendTransition(executionID uuid.UUID, t models.StateTransition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := executionID.String()
	p.doc.TransitionsByExecution[key] = append(p.doc.TransitionsByExecution[key], t)
	if exec, ok := p.doc.Executions[key]; ok {
		exec.Transitions = append(exec.Transitions, t)
		exec.CurrentState = t.ToState
		p.doc.Executions[key] = exec
	}
	return p.saveLocked()
}

// GetTransitions returns executionID's transition log in append order.
func (p *Persistence) GetTransitions(executionID uuid.UUID) []models.StateTransition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ts := p.doc.TransitionsByExecution[executionID.String()]
	out := make([]models.StateTransition, len(ts))
	copy(out, ts)
	return out
}

// SaveApproval upserts an approval request by id.
func (p *Persistence) SaveApproval(a models.ApprovalRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Approvals[a.ID.String()] = a
	return p.saveLocked()
}

// GetApproval looks up an approval request by id.
func (p *Persistence) GetApproval(id uuid.UUID) (models.ApprovalRequest, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.doc.Approvals[id.String()]
	return a, ok
}

// ListApprovals returns every approval, optionally filtered to one
// execution (pass uuid.Nil for all).
func (p *Persistence) ListApprovals(executionID uuid.UUID) []models.ApprovalRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.ApprovalRequest, 0)
	for _, a := range p.doc.Approvals {
		if executionID == uuid.Nil || a.ExecutionID == executionID {
			out = append(out, a)
		}
	}
	return out
}

// AppendOutputChunks persists a batch of output chunks for executionID.
func (p *Persistence) AppendOutputChunks(executionID string, chunks []models.OutputChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.OutputChunksByExecution[executionID] = append(p.doc.OutputChunksByExecution[executionID], chunks...)
	return p.saveLocked()
}

// GetOutputChunks returns persisted chunks for executionID, optionally
// filtered to stateName (pass "" for all states), paginated by
// offset/limit (limit <= 0 returns everything from offset onward).
func (p *Persistence) GetOutputChunks(executionID, stateName string, offset, limit int) []models.OutputChunk {
	p.mu.RLock()
	defer p.mu.RUnlock()

	all := p.doc.OutputChunksByExecution[executionID]
	var filtered []models.OutputChunk
	for _, c := range all {
		if stateName == "" || c.StateName == stateName {
			filtered = append(filtered, c)
		}
	}
	if offset >= len(filtered) {
		return nil
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	out := make([]models.OutputChunk, len(filtered))
	copy(out, filtered)
	return out
}
