// Package tasks derives task lifecycle changes from TaskCreate and TaskUpdate
// tool calls found in conversation logs.
package tasks

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDeleted    Status = "deleted"
)

// Tool names that drive the extractor.
const (
	ToolTaskCreate = "TaskCreate"
	ToolTaskUpdate = "TaskUpdate"
)

// Task mirrors the fields the task tools accept.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	ActiveForm  string         `json:"activeForm"`
	Blocks      []string       `json:"blocks"`
	BlockedBy   []string       `json:"blockedBy"`
	Owner       string         `json:"owner,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

func (t *Task) clone() Task {
	c := *t
	c.Blocks = append([]string{}, t.Blocks...)
	c.BlockedBy = append([]string{}, t.BlockedBy...)
	c.Metadata = maps.Clone(t.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return c
}

type ChangeKind string

const (
	TaskCreated ChangeKind = "task_created"
	TaskUpdated ChangeKind = "task_updated"
	TaskDeleted ChangeKind = "task_deleted"
)

// Change is one lifecycle transition, carrying the task state after it
// (or, for deletions, the state that was removed).
type Change struct {
	Event ChangeKind `json:"event"`
	Task  Task       `json:"task"`
}

// ToolCall is a tool_use block from an assistant message.
type ToolCall struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Stats counts tasks by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

type handler func(e *Extractor, input map[string]any) (Change, bool)

// Read-only tools such as TaskList and TaskGet have no handler.
var handlers = map[string]handler{
	ToolTaskCreate: (*Extractor).create,
	ToolTaskUpdate: (*Extractor).update,
}

// Extractor holds the task state of one changeset. It never fails on an
// unknown task id. Safe for concurrent use.
type Extractor struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string
	nextID int
}

func New() *Extractor {
	return &Extractor{tasks: make(map[string]*Task), nextID: 1}
}

// Process applies call and reports the resulting change, if any.
func (e *Extractor) Process(call ToolCall) (Change, bool) {
	h, ok := handlers[call.Name]
	if !ok {
		return Change{}, false
	}
	input := call.Input
	if input == nil {
		input = map[string]any{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return h(e, input)
}

func (e *Extractor) create(input map[string]any) (Change, bool) {
	id := stringField(input, "taskId")
	if id == "" {
		id = e.allocateID()
	}
	t := &Task{
		ID:          id,
		Subject:     stringField(input, "subject"),
		Description: stringField(input, "description"),
		Status:      StatusPending,
		ActiveForm:  stringField(input, "activeForm"),
		Owner:       stringField(input, "owner"),
		Metadata:    map[string]any{},
	}
	mergeMetadata(t.Metadata, input["metadata"])
	e.put(t)
	return Change{Event: TaskCreated, Task: t.clone()}, true
}

func (e *Extractor) update(input map[string]any) (Change, bool) {
	id := stringField(input, "taskId")
	if id == "" {
		return Change{}, false
	}

	if Status(stringField(input, "status")) == StatusDeleted {
		t, ok := e.tasks[id]
		if !ok {
			return Change{}, false
		}
		delete(e.tasks, id)
		e.order = slices.DeleteFunc(e.order, func(s string) bool { return s == id })
		return Change{Event: TaskDeleted, Task: t.clone()}, true
	}

	t, ok := e.tasks[id]
	if !ok {
		t = &Task{ID: id, Subject: "Task " + id, Status: StatusPending, Metadata: map[string]any{}}
		e.put(t)
	}
	if v, ok := input["subject"]; ok {
		t.Subject = toString(v)
	}
	if v, ok := input["description"]; ok {
		t.Description = toString(v)
	}
	if v, ok := input["status"]; ok {
		t.Status = Status(toString(v))
	}
	if v, ok := input["activeForm"]; ok {
		t.ActiveForm = toString(v)
	}
	if v, ok := input["owner"]; ok {
		t.Owner = toString(v)
	}
	t.Blocks = unionInto(t.Blocks, input["addBlocks"])
	t.BlockedBy = unionInto(t.BlockedBy, input["addBlockedBy"])
	mergeMetadata(t.Metadata, input["metadata"])
	return Change{Event: TaskUpdated, Task: t.clone()}, true
}

func (e *Extractor) put(t *Task) {
	if _, exists := e.tasks[t.ID]; !exists {
		e.order = append(e.order, t.ID)
	}
	e.tasks[t.ID] = t
}

func (e *Extractor) allocateID() string {
	for {
		id := strconv.Itoa(e.nextID)
		e.nextID++
		if _, taken := e.tasks[id]; !taken {
			return id
		}
	}
}

// Tasks returns every current task in first-seen order.
func (e *Extractor) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id].clone())
	}
	return out
}

func (e *Extractor) Task(id string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

func (e *Extractor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Total: len(e.tasks)}
	for _, t := range e.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		}
	}
	return s
}

// Reset drops all tasks and restarts id allocation at 1.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = make(map[string]*Task)
	e.order = nil
	e.nextID = 1
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return toString(v)
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func unionInto(dst []string, raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			for _, s := range strs {
				list = append(list, s)
			}
		}
	}
	for _, item := range list {
		s := toString(item)
		if s != "" && !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}

// mergeMetadata copies raw into dst; a nil value deletes the key.
func mergeMetadata(dst map[string]any, raw any) {
	m, ok := raw.(map[string]any)
	if !ok {
		return
	}
	for k, v := range m {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}
