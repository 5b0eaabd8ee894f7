package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	planOverrideStart = "<!-- ROSHNI:PLAN-OVERRIDE-START -->"
	planOverrideEnd   = "<!-- ROSHNI:PLAN-OVERRIDE-END -->"
)

// TagList accepts YAML tags as either a list or a comma-joined string;
// registry files are human-edited and both shapes appear.
type TagList []string

func (t *TagList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		var list []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		*t = list
		return nil
	default:
		return fmt.Errorf("tags must be a list or string")
	}
}

// Frontmatter is the recognized YAML header of a registry file.
type Frontmatter struct {
	ID                       string  `yaml:"id"`
	Title                    string  `yaml:"title"`
	Status                   string  `yaml:"status"`
	PlanHash                 string  `yaml:"plan_hash"`
	Tags                     TagList `yaml:"tags"`
	Created                  string  `yaml:"created"`
	Updated                  string  `yaml:"updated"`
	LastOrchestratorUpdateAt string  `yaml:"last_orchestrator_update_at"`
}

// Doc is one parsed registry markdown file.
type Doc struct {
	Slug         string
	Front        Frontmatter
	Body         string
	PlanOverride string
	ModTime      time.Time
}

// Registry is a directory of markdown-with-frontmatter files, the primary
// project identity when configured. Files are human-editable; the store
// reads them as the naming authority and conflict detection watches their
// mtimes.
type Registry struct {
	dir    string
	logger *slog.Logger
}

// NewRegistry creates a registry over dir.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{dir: dir, logger: logger.With("component", "registry")}
}

// Dir returns the registry directory.
func (r *Registry) Dir() string { return r.dir }

// Path returns the markdown path for a slug.
func (r *Registry) Path(slug string) string {
	return filepath.Join(r.dir, slug+".md")
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a filename-safe slug from goal text.
func Slugify(goal string) string {
	s := strings.ToLower(strings.TrimSpace(goal))
	s = slugStrip.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = strings.Trim(s[:60], "-")
	}
	if s == "" {
		s = "project"
	}
	return s
}

// UniqueSlug deduplicates against existing files by appending -N.
func (r *Registry) UniqueSlug(base string) string {
	slug := base
	for n := 2; ; n++ {
		if _, err := os.Stat(r.Path(slug)); errors.Is(err, fs.ErrNotExist) {
			return slug
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
}

// Read parses one registry file.
func (r *Registry) Read(slug string) (*Doc, error) {
	path := r.Path(slug)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", slug, err)
	}
	doc.Slug = slug
	doc.ModTime = info.ModTime()
	return doc, nil
}

// List parses every markdown file in the registry, skipping unparseable
// ones with a warning.
func (r *Registry) List() ([]*Doc, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var docs []*Doc
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		slug := strings.TrimSuffix(e.Name(), ".md")
		doc, err := r.Read(slug)
		if err != nil {
			r.logger.Warn("skipping unreadable registry file", "slug", slug, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Slug < docs[j].Slug })
	return docs, nil
}

// Write renders and atomically replaces the registry file.
func (r *Registry) Write(doc *Doc) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	content, err := renderDoc(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, doc.Slug+".md.tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, r.Path(doc.Slug))
}

// parseDoc splits frontmatter from body and extracts the plan-override
// block.
func parseDoc(content string) (*Doc, error) {
	doc := &Doc{}
	body := content
	if strings.HasPrefix(content, "---\n") || strings.HasPrefix(content, "---\r\n") {
		rest := content[4:]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, fmt.Errorf("unterminated frontmatter block")
		}
		front := rest[:end]
		if err := yaml.Unmarshal([]byte(front), &doc.Front); err != nil {
			return nil, fmt.Errorf("frontmatter: %w", err)
		}
		body = rest[end+4:]
		if i := strings.IndexByte(body, '\n'); i >= 0 {
			body = body[i+1:]
		} else {
			body = ""
		}
	}
	doc.Body = body

	if start := strings.Index(body, planOverrideStart); start >= 0 {
		tail := body[start+len(planOverrideStart):]
		if end := strings.Index(tail, planOverrideEnd); end >= 0 {
			doc.PlanOverride = strings.TrimSpace(tail[:end])
		}
	}
	return doc, nil
}

func renderDoc(doc *Doc) (string, error) {
	front, err := yaml.Marshal(doc.Front)
	if err != nil {
		return "", fmt.Errorf("render frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n")
	b.WriteString(doc.Body)
	if !strings.HasSuffix(doc.Body, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}

// RenderProject produces the canonical registry view of a project.
func RenderProject(p *Project) *Doc {
	doc := &Doc{
		Slug: p.ID,
		Front: Frontmatter{
			ID:                       p.ID,
			Title:                    p.Goal,
			Status:                   string(p.Status),
			PlanHash:                 p.PlanHash,
			Tags:                     TagList(p.Tags),
			Created:                  p.CreatedAt.UTC().Format(time.RFC3339),
			Updated:                  p.UpdatedAt.UTC().Format(time.RFC3339),
			LastOrchestratorUpdateAt: p.LastOrchestratorUpdateAt.UTC().Format(time.RFC3339),
		},
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n# %s\n\n", p.Goal)
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", ph.Status, ph.ID, ph.Name)
	}
	doc.Body = b.String()
	return doc
}

// Watch invokes fn with the affected slug whenever a registry markdown
// file is written or created, until ctx ends.
func (r *Registry) Watch(ctx context.Context, fn func(slug string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create registry watcher: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch registry dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(ev.Name)
				if !strings.HasSuffix(name, ".md") {
					continue
				}
				fn(strings.TrimSuffix(name, ".md"))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry watcher error", "error", err)
			}
		}
	}()
	return nil
}
