// Package template loads per-type container templates from YAML.
package template

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownType = errors.New("unknown server type")

const (
	DefaultStopCommand = "stop"
	DefaultSession     = "console"
	DefaultDataPath    = "/data"
)

// File is a bootstrap payload written into the server's data directory before
// the first start.
type File struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// Template describes how a server type is run. Images must keep their main
// process inside a screen session named Session so console input can be
// injected with "screen -X stuff".
type Template struct {
	Type        string            `yaml:"type"`
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command"`
	StopCommand string            `yaml:"stopCommand"`
	Session     string            `yaml:"session"`
	DataPath    string            `yaml:"dataPath"`
	Env         map[string]string `yaml:"env"`
	Files       []File            `yaml:"files"`
}

type document struct {
	Types []Template `yaml:"types"`
}

// Catalog is an immutable set of templates keyed by type.
type Catalog struct {
	byType map[string]Template
}

func Load(file string) (*Catalog, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	c := &Catalog{byType: make(map[string]Template, len(doc.Types))}
	for i, t := range doc.Types {
		if t.Type == "" || t.Image == "" {
			return nil, fmt.Errorf("template %d: type and image are required", i)
		}
		if _, dup := c.byType[t.Type]; dup {
			return nil, fmt.Errorf("template %q defined twice", t.Type)
		}
		for _, f := range t.Files {
			clean := path.Clean("/" + f.Path)
			if f.Path == "" || strings.Contains(f.Path, "..") || clean == "/" {
				return nil, fmt.Errorf("template %q: bad file path %q", t.Type, f.Path)
			}
		}
		if t.StopCommand == "" {
			t.StopCommand = DefaultStopCommand
		}
		if t.Session == "" {
			t.Session = DefaultSession
		}
		if t.DataPath == "" {
			t.DataPath = DefaultDataPath
		}
		c.byType[t.Type] = t
	}
	return c, nil
}

func (c *Catalog) Get(serverType string) (Template, error) {
	t, ok := c.byType[serverType]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownType, serverType)
	}
	return t, nil
}

// Types lists the configured type names.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.byType))
	for k := range c.byType {
		out = append(out, k)
	}
	return out
}
