package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/protosim/protosim/internal/id"
	"github.com/protosim/protosim/pkg/logging"
)

// TemplatesFileName is the template catalog file created in the data dir.
const TemplatesFileName = "templates.json"

// Family names which simulator family a template configures.
type Family string

// Template families.
const (
	FamilyTCP  Family = "tcp"
	FamilyMQTT Family = "mqtt"
)

// Template is a named, reusable simulator configuration. Config holds the
// family-specific create request body.
type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Family      Family          `json:"family"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ErrTemplateNotFound is returned when a template id is unknown.
var ErrTemplateNotFound = errors.New("template not found")

// Templates is the template catalog, persisted separately from simulator
// config.
type Templates struct {
	mu   sync.RWMutex
	path string
	byID map[string]Template
	log  *slog.Logger
}

// NewTemplates opens the catalog at path, loading existing entries. A
// missing or malformed file starts empty.
func NewTemplates(path string, log *slog.Logger) *Templates {
	if log == nil {
		log = logging.Nop()
	}
	t := &Templates{
		path: path,
		byID: make(map[string]Template),
		log:  log,
	}
	t.load()
	return t
}

func (t *Templates) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.log.Warn("template catalog unreadable, starting empty", "path", t.path, "error", err)
		}
		return
	}
	var list []Template
	if err := json.Unmarshal(data, &list); err != nil {
		t.log.Warn("template catalog malformed, starting empty", "path", t.path, "error", err)
		return
	}
	for _, tpl := range list {
		if tpl.ID == "" {
			continue
		}
		t.byID[tpl.ID] = tpl
	}
}

func (t *Templates) save() error {
	list := t.listLocked()
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal templates: %w", err)
	}
	return atomicWrite(t.path, data)
}

func (t *Templates) listLocked() []Template {
	list := make([]Template, 0, len(t.byID))
	for _, tpl := range t.byID {
		list = append(list, tpl)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// List returns all templates sorted by name.
func (t *Templates) List() []Template {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listLocked()
}

// Get returns one template by id.
func (t *Templates) Get(templateID string) (Template, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tpl, ok := t.byID[templateID]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return tpl, nil
}

// Add validates and stores a template, assigning an id when omitted.
func (t *Templates) Add(tpl Template) (Template, error) {
	if tpl.Name == "" {
		return Template{}, errors.New("template name is required")
	}
	if tpl.Family != FamilyTCP && tpl.Family != FamilyMQTT {
		return Template{}, fmt.Errorf("unknown template family %q", tpl.Family)
	}
	if len(tpl.Config) == 0 {
		return Template{}, errors.New("template config is required")
	}
	if tpl.ID == "" {
		tpl.ID = id.Template()
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[tpl.ID] = tpl
	if err := t.save(); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// Delete removes a template by id.
func (t *Templates) Delete(templateID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[templateID]; !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	delete(t.byID, templateID)
	return t.save()
}
