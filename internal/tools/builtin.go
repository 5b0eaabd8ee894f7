package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NoteStore appends durable notes to a newline-delimited file. It backs
// the save_memory tool and the after-chat memory hook.
type NoteStore struct {
	mu   sync.Mutex
	path string
}

// NewNoteStore creates a store writing to path.
func NewNoteStore(path string) *NoteStore {
	return &NoteStore{path: path}
}

// Save appends one note.
func (n *NoteStore) Save(note string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(n.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open notes file: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(strings.ReplaceAll(note, "\n", " ") + "\n")
	return err
}

// Recent returns up to limit notes, newest last.
func (n *NoteStore) Recent(limit int) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, err := os.Open(n.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var notes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			notes = append(notes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(notes) > limit {
		notes = notes[len(notes)-limit:]
	}
	return notes, nil
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

type saveMemoryArgs struct {
	Note string `json:"note" jsonschema:"description=The fact to remember,required"`
}

type recallMemoriesArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum notes to return; defaults to 10"`
}

// CurrentTimeTool reports the current time, optionally in a timezone.
func CurrentTimeTool(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific timezone.",
		Parameters:  SchemaFor[currentTimeArgs](),
		Permission:  PermissionRead,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args currentTimeArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("parse arguments: %w", err)
				}
			}
			loc := time.UTC
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", args.Timezone)
				}
				loc = l
			}
			return now().In(loc).Format("Monday, January 2, 2006 at 15:04 MST"), nil
		},
	}
}

// SaveMemoryTool persists a note to the note store. Read permission:
// remembering what the user said should not require an approval round
// trip.
func SaveMemoryTool(store *NoteStore) Tool {
	noApproval := false
	return Tool{
		Name:             "save_memory",
		Description:      "Save a durable note about the user or an ongoing task.",
		Parameters:       SchemaFor[saveMemoryArgs](),
		Permission:       PermissionWrite,
		RequiresApproval: &noApproval,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args saveMemoryArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}
			if strings.TrimSpace(args.Note) == "" {
				return "", fmt.Errorf("note is required")
			}
			if err := store.Save(args.Note); err != nil {
				return "", err
			}
			return "Saved.", nil
		},
	}
}

// RecallMemoriesTool returns recent saved notes.
func RecallMemoriesTool(store *NoteStore) Tool {
	return Tool{
		Name:        "recall_memories",
		Description: "Recall recently saved notes about the user.",
		Parameters:  SchemaFor[recallMemoriesArgs](),
		Permission:  PermissionRead,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args recallMemoriesArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("parse arguments: %w", err)
				}
			}
			if args.Limit <= 0 {
				args.Limit = 10
			}
			notes, err := store.Recent(args.Limit)
			if err != nil {
				return "", err
			}
			if len(notes) == 0 {
				return "No saved notes.", nil
			}
			return strings.Join(notes, "\n"), nil
		},
	}
}

// RegisterBuiltins installs the default toolset.
func RegisterBuiltins(r *Registry, store *NoteStore, now func() time.Time) error {
	for _, t := range []Tool{
		CurrentTimeTool(now),
		SaveMemoryTool(store),
		RecallMemoriesTool(store),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
