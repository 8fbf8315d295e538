// Package schema resolves optional external payload definitions and checks
// rendered documents against them.
package schema

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/ereporting/internal/validation"
)

// ErrSchemaNotFound is returned when no definition is configured for a document kind.
var ErrSchemaNotFound = errors.New("schema: definition not found")

// Mode controls how a missing definition is handled.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeAuto   Mode = "auto"
	ModeStrict Mode = "strict"
)

// ParseMode validates a configured mode. Empty means auto.
func ParseMode(v string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(v))); m {
	case "":
		return ModeAuto, nil
	case ModeOff, ModeAuto, ModeStrict:
		return m, nil
	}
	return "", fmt.Errorf("schema: unknown mode %q", v)
}

// Element constrains every occurrence of an element path below the root.
type Element struct {
	Path      string   `yaml:"path"`
	Required  bool     `yaml:"required"`
	MaxLength int      `yaml:"max_length"`
	Pattern   string   `yaml:"pattern"`
	Enum      []string `yaml:"enum"`

	re *regexp.Regexp
}

// Definition is a declarative document schema.
type Definition struct {
	Name     string    `yaml:"name"`
	Root     string    `yaml:"root"`
	Elements []Element `yaml:"elements"`
}

// Parse decodes a YAML definition and compiles its patterns.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	if strings.TrimSpace(def.Root) == "" {
		return nil, fmt.Errorf("schema: root element required")
	}
	for i := range def.Elements {
		el := &def.Elements[i]
		el.Path = strings.Trim(el.Path, "/")
		if el.Path == "" {
			return nil, fmt.Errorf("schema: element %d has no path", i)
		}
		if el.Pattern != "" {
			re, err := regexp.Compile(el.Pattern)
			if err != nil {
				return nil, fmt.Errorf("schema: element %s pattern: %w", el.Path, err)
			}
			el.re = re
		}
	}
	return &def, nil
}

type occurrence struct {
	parent string
	text   string
}

// Validate checks an XML document and returns a *validation.ValidationError
// listing every broken constraint, or nil.
func (d *Definition) Validate(doc []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var (
		stack  []string
		texts  []*strings.Builder
		seen   = make(map[string][]occurrence)
		parent = make(map[string]int)
		root   string
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &validation.ValidationError{Violations: []validation.Violation{{
				Path: d.Root, Rule: "wellformed", Message: err.Error(),
			}}}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if root == "" {
				root = t.Name.Local
			}
			stack = append(stack, t.Name.Local)
			texts = append(texts, &strings.Builder{})
			parent[strings.Join(stack[1:], "/")]++
		case xml.CharData:
			if len(texts) > 0 {
				texts[len(texts)-1].Write(t)
			}
		case xml.EndElement:
			rel := strings.Join(stack[1:], "/")
			par := ""
			if len(stack) > 2 {
				par = strings.Join(stack[1:len(stack)-1], "/")
			}
			seen[rel] = append(seen[rel], occurrence{parent: par, text: strings.TrimSpace(texts[len(texts)-1].String())})
			stack = stack[:len(stack)-1]
			texts = texts[:len(texts)-1]
		}
	}

	verr := &validation.ValidationError{}
	add := func(path, rule, value, msg string) {
		verr.Violations = append(verr.Violations, validation.Violation{Path: path, Rule: rule, Value: value, Message: msg})
	}
	if root != d.Root {
		add(d.Root, "root", root, "unexpected root element")
	}
	for _, el := range d.Elements {
		occ := seen[el.Path]
		full := d.Root + "/" + el.Path
		if el.Required && len(occ) == 0 {
			dir := ""
			if i := strings.LastIndex(el.Path, "/"); i >= 0 {
				dir = el.Path[:i]
			}
			if dir == "" || parent[dir] > 0 {
				add(full, "required", "", "element is required")
			}
		}
		for _, o := range occ {
			if el.MaxLength > 0 && utf8.RuneCountInString(o.text) > el.MaxLength {
				add(full, "max_length", o.text, fmt.Sprintf("longer than %d characters", el.MaxLength))
			}
			if el.re != nil && !el.re.MatchString(o.text) {
				add(full, "pattern", o.text, "does not match "+el.Pattern)
			}
			if len(el.Enum) > 0 && !contains(el.Enum, o.text) {
				add(full, "enum", o.text, "must be one of "+strings.Join(el.Enum, ", "))
			}
		}
	}
	if len(verr.Violations) == 0 {
		return nil
	}
	return verr
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Repository resolves definitions from a directory of <name>.yaml files and
// caches them once loaded.
type Repository struct {
	dir   string
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewRepository constructs a repository. An empty dir means no definitions are configured.
func NewRepository(dir string) *Repository {
	return &Repository{dir: strings.TrimSpace(dir), cache: make(map[string]*Definition)}
}

// Load returns the named definition.
func (r *Repository) Load(name string) (*Definition, error) {
	if r == nil || r.dir == "" {
		return nil, ErrSchemaNotFound
	}
	r.mu.RLock()
	def, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}
	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.cache[name]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
		data, err := os.ReadFile(filepath.Join(r.dir, filepath.Base(name)+".yaml"))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
		}
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", name, err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, err
		}
		if def.Name == "" {
			def.Name = name
		}
		r.mu.Lock()
		r.cache[name] = def
		r.mu.Unlock()
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Definition), nil
}

// Checker applies the configured mode on top of a repository.
type Checker struct {
	repo *Repository
	mode Mode
}

// NewChecker constructs a checker.
func NewChecker(repo *Repository, mode Mode) *Checker {
	if mode == "" {
		mode = ModeAuto
	}
	return &Checker{repo: repo, mode: mode}
}

// Mode returns the configured mode.
func (c *Checker) Mode() Mode {
	if c == nil {
		return ModeOff
	}
	return c.mode
}

// Check validates doc against the named definition. In auto mode a missing
// definition skips validation; in strict mode it returns ErrSchemaNotFound.
func (c *Checker) Check(name string, doc []byte) error {
	if c == nil || c.mode == ModeOff {
		return nil
	}
	def, err := c.repo.Load(name)
	if errors.Is(err, ErrSchemaNotFound) {
		if c.mode == ModeStrict {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	return def.Validate(doc)
}
