// Configuration file parser
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tankdrive-go/pkg/errors"
)

// Config provides access to a configuration file with access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string // section order as first seen

	accessedSections map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include <glob>] sections pull in
// other files relative to the including file.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string. Includes are not
// allowed.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{c: c, name: "<string>"}
	if err := p.parse(strings.NewReader(data)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfiguration, "invalid config path").SetFile(path)
	}
	if visited[abs] {
		return errors.ConfigurationError("recursive include of %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfiguration, "unable to open config").SetFile(path)
	}
	defer f.Close()

	p := &parser{c: c, name: path, dir: filepath.Dir(abs), visited: visited}
	return p.parse(f)
}

type parser struct {
	c       *Config
	name    string
	dir     string          // empty disables includes
	visited map[string]bool // files on the include stack

	section string
	options map[string]string
}

func (p *parser) parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if err := p.header(strings.TrimSpace(line[1:len(line)-1]), lineNum); err != nil {
				return err
			}
			continue
		}
		if p.section == "" {
			return p.errorf(lineNum, "option outside of any section: %q", line)
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, "=", 2)
		}
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return p.errorf(lineNum, "expected 'option: value', got %q", line)
		}
		p.options[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, errors.ErrConfiguration, "error reading config").SetFile(p.name)
	}
	p.flush()
	return nil
}

func (p *parser) header(name string, lineNum int) error {
	p.flush()
	if name == "" {
		return p.errorf(lineNum, "empty section header")
	}
	spec, ok := strings.CutPrefix(name, "include ")
	if !ok {
		p.section = name
		p.options = make(map[string]string)
		return nil
	}

	if p.dir == "" {
		return p.errorf(lineNum, "include not supported here")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return p.errorf(lineNum, "empty include")
	}
	glob := filepath.Join(p.dir, spec)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return p.errorf(lineNum, "invalid include pattern %q: %v", spec, err)
	}
	sort.Strings(matches)
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return p.errorf(lineNum, "include file does not exist: %s", glob)
	}
	for _, m := range matches {
		if err := p.c.parseFile(m, p.visited); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) flush() {
	if p.section != "" {
		p.c.addSection(p.section, p.options)
	}
	p.section, p.options = "", nil
}

func (p *parser) errorf(line int, format string, args ...interface{}) error {
	return errors.ConfigurationError(format, args...).SetFile(p.name).SetLine(line)
}

// addSection adds a section, merging options into an existing section of
// the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a Section by name, or an error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a Section if it exists, or nil if not.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessedSections[name] = struct{}{}
	}
	return sec
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetUnusedSections returns the sections that were never accessed.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for _, name := range c.order {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	return result
}

// CheckUnused returns an error naming every section and option that was
// never read.
func (c *Config) CheckUnused() error {
	var problems []string
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		problems = append(problems, fmt.Sprintf("unused sections %v", unused))
	}

	c.mu.RLock()
	for _, name := range c.order {
		if _, ok := c.accessedSections[name]; !ok {
			continue
		}
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	c.mu.RUnlock()

	if len(problems) > 0 {
		return errors.New(errors.ErrConfigValidation, strings.Join(problems, "; "))
	}
	return nil
}
