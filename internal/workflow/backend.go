package workflow

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	eventsFile     = "events.ndjson"
	checkpointFile = "checkpoint.json"
	planFile       = "plan.json"
)

// workspaceDirs are created alongside the log for worker and oracle
// records and named outputs.
var workspaceDirs = []string{"worker-logs", "llm-calls", "artifacts"}

// Backend owns a project's on-disk state: the append-only fsync'd event
// log (source of truth) and the atomically-rewritten checkpoint (derived
// snapshot). Writes are serialized per project.
type Backend struct {
	baseDir string
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	seqs  map[string]uint64
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithBackendLogger sets the backend logger.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger.With("component", "workflow")
		}
	}
}

// WithBackendNow injects a clock for tests.
func WithBackendNow(now func() time.Time) BackendOption {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBackend creates a backend rooted at baseDir.
func NewBackend(baseDir string, opts ...BackendOption) *Backend {
	b := &Backend{
		baseDir: baseDir,
		logger:  slog.Default().With("component", "workflow"),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
		seqs:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dir returns the project's state directory.
func (b *Backend) Dir(projectID string) string {
	return filepath.Join(b.baseDir, projectID)
}

// EnsureWorkspace creates the project directory tree.
func (b *Backend) EnsureWorkspace(projectID string) error {
	for _, d := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(b.Dir(projectID), d), 0o755); err != nil {
			return fmt.Errorf("create workspace for %s: %w", projectID, err)
		}
	}
	return nil
}

// ProjectIDs lists ids that have state directories.
func (b *Backend) ProjectIDs() ([]string, error) {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) lock(projectID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[projectID] = l
	}
	return l
}

// Append records one event: assigns the next monotonic seq (lazily
// initialized from disk), writes a newline-terminated JSON object with
// O_APPEND, and fsyncs before returning.
func (b *Backend) Append(projectID, eventType, actor string, payload map[string]any) (Event, error) {
	l := b.lock(projectID)
	l.Lock()
	defer l.Unlock()

	seq, err := b.nextSeq(projectID)
	if err != nil {
		return Event{}, err
	}
	e := Event{
		EventID:   fmt.Sprintf("evt-%06d", seq),
		Seq:       seq,
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Actor:     actor,
		Payload:   payload,
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}

	if err := os.MkdirAll(b.Dir(projectID), 0o755); err != nil {
		return Event{}, err
	}
	path := filepath.Join(b.Dir(projectID), eventsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Event{}, fmt.Errorf("fsync event log: %w", err)
	}

	b.mu.Lock()
	b.seqs[projectID] = seq
	b.mu.Unlock()
	return e, nil
}

// nextSeq returns the next seq, scanning the log once per process.
func (b *Backend) nextSeq(projectID string) (uint64, error) {
	b.mu.Lock()
	last, ok := b.seqs[projectID]
	b.mu.Unlock()
	if ok {
		return last + 1, nil
	}

	events, err := b.readEvents(projectID)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, e := range events {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max + 1, nil
}

// LastSeq returns the highest seq recorded for a project, scanning the
// log when the in-process counter is cold.
func (b *Backend) LastSeq(projectID string) (uint64, error) {
	l := b.lock(projectID)
	l.Lock()
	defer l.Unlock()
	next, err := b.nextSeq(projectID)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// Events returns the project's events with seq > afterSeq, sorted by seq.
// Corrupt lines are skipped with a warning.
func (b *Backend) Events(projectID string, afterSeq uint64) ([]Event, error) {
	all, err := b.readEvents(projectID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Backend) readEvents(projectID string) ([]Event, error) {
	path := filepath.Join(b.Dir(projectID), eventsFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			b.logger.Warn("skipping corrupt event line",
				"project_id", projectID, "line", lineNo, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// WriteCheckpoint snapshots the project atomically: tempfile in the same
// directory, fsync, rename. last_orchestrator_update_at is stamped before
// serialization; conflict detection compares it to the registry file's
// mtime.
func (b *Backend) WriteCheckpoint(p *Project) error {
	l := b.lock(p.ID)
	l.Lock()
	defer l.Unlock()

	p.LastOrchestratorUpdateAt = b.now().UTC()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := b.Dir(p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, checkpointFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint tempfile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, checkpointFile)); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the snapshot; a missing file returns nil, nil.
func (b *Backend) LoadCheckpoint(projectID string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir(projectID), checkpointFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	return &p, nil
}

// Resume reconstructs project state: checkpoint as base plus replay of
// newer events. An absent or corrupt checkpoint rebuilds from the log
// alone; the log always wins when they disagree.
func (b *Backend) Resume(projectID string) (*Project, error) {
	base, err := b.LoadCheckpoint(projectID)
	if err != nil {
		b.logger.Warn("checkpoint unusable, rebuilding from events",
			"project_id", projectID, "error", err)
		base = nil
	}

	if base != nil {
		tail, err := b.Events(projectID, base.LastEventSeq)
		if err != nil {
			return nil, err
		}
		return Replay(base, tail), nil
	}

	all, err := b.Events(projectID, 0)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("project %s: no checkpoint and no events", projectID)
	}
	p, err := Fold(all)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s from events: %w", projectID, err)
	}
	return p, nil
}

// SavePlan writes plan.json, the canonical input to the plan hash.
func (b *Backend) SavePlan(projectID string, plan Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.MkdirAll(b.Dir(projectID), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Dir(projectID), planFile), data, 0o644)
}

// SaveArtifact writes a named output under artifacts/ and returns its
// path.
func (b *Backend) SaveArtifact(projectID, name string, data []byte) (string, error) {
	dir := filepath.Join(b.Dir(projectID), "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return path, nil
}

// AppendWorkerLog writes one JSONL record for a worker run. Informational
// only; failures are logged, not returned.
func (b *Backend) AppendWorkerLog(projectID string, result WorkerResult) {
	dir := filepath.Join(b.Dir(projectID), "worker-logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.logger.Warn("worker log dir", "error", err)
		return
	}
	line, err := json.Marshal(result)
	if err != nil {
		return
	}
	path := filepath.Join(dir, result.WorkerID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		b.logger.Warn("worker log open", "error", err)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}
