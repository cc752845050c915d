// Package config loads the pipeline's INI configuration into an immutable
// Context that is shared read-only by every component.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/grailbio/base/errors"
)

// DefaultPath is the configuration file read when neither a flag nor
// BFQ_CONFIG names one.
const DefaultPath = "~/bcl2fastq.ini"

// EnvPath is the environment variable that overrides DefaultPath.
const EnvPath = "BFQ_CONFIG"

// Context is a hierarchical, read-only store of sections of named string
// options. Section names are case sensitive; option names are not. The zero
// Context is empty and valid.
type Context struct {
	path     string
	sections map[string]map[string]string
	order    []string
}

// Load reads the INI file at path. A leading "~/" is expanded to the user's
// home directory.
func Load(path string) (Context, error) {
	path = expandHome(path)
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return Context{}, errors.E(errors.Invalid, err, "load config", path)
	}
	c := fromINI(f)
	c.path = path
	return c, nil
}

// Parse builds a Context from INI text. It is mostly useful in tests.
func Parse(data []byte) (Context, error) {
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return Context{}, errors.E(errors.Invalid, err, "parse config")
	}
	return fromINI(f), nil
}

// New builds a Context from a map of sections. The map is copied.
func New(sections map[string]map[string]string) Context {
	c := Context{sections: map[string]map[string]string{}}
	for name, opts := range sections {
		c.addSection(name)
		for k, v := range opts {
			c.sections[name][strings.ToLower(k)] = v
		}
	}
	sort.Strings(c.order)
	return c
}

func fromINI(f *ini.File) Context {
	c := Context{sections: map[string]map[string]string{}}
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		c.addSection(sec.Name())
		for _, key := range sec.Keys() {
			c.sections[sec.Name()][strings.ToLower(key.Name())] = strings.TrimSpace(key.String())
		}
	}
	return c
}

func (c *Context) addSection(name string) {
	if _, ok := c.sections[name]; ok {
		return
	}
	c.sections[name] = map[string]string{}
	c.order = append(c.order, name)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Path returns the file the context was loaded from, if any.
func (c Context) Path() string { return c.path }

// Sections returns the section names in file order.
func (c Context) Sections() []string {
	return append([]string(nil), c.order...)
}

// Has tells whether section contains option key.
func (c Context) Has(section, key string) bool {
	_, ok := c.sections[section][strings.ToLower(key)]
	return ok
}

// Get returns the value of section.key, or "" if it is not set.
func (c Context) Get(section, key string) string {
	return c.sections[section][strings.ToLower(key)]
}

// GetDefault returns the value of section.key, or def if it is unset or
// empty.
func (c Context) GetDefault(section, key, def string) string {
	if v := c.Get(section, key); v != "" {
		return v
	}
	return def
}

// Section returns a copy of the options in section.
func (c Context) Section(section string) map[string]string {
	out := make(map[string]string, len(c.sections[section]))
	for k, v := range c.sections[section] {
		out[k] = v
	}
	return out
}

// Int parses section.key as an integer. Unset options yield def.
func (c Context) Int(section, key string, def int) (int, error) {
	v := c.Get(section, key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.E(errors.Invalid, err, section+"."+key)
	}
	return n, nil
}

// Float parses section.key as a float. Unset options yield def.
func (c Context) Float(section, key string, def float64) (float64, error) {
	v := c.Get(section, key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, errors.E(errors.Invalid, err, section+"."+key)
	}
	return f, nil
}

// Bool parses section.key as a boolean. Unset options yield def.
func (c Context) Bool(section, key string, def bool) (bool, error) {
	v := c.Get(section, key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, errors.E(errors.Invalid, err, section+"."+key)
	}
	return b, nil
}

// Hours parses section.key as a (possibly fractional) number of hours.
func (c Context) Hours(section, key string, def time.Duration) (time.Duration, error) {
	v := c.Get(section, key)
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	h, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, errors.E(errors.Invalid, err, section+"."+key)
	}
	return time.Duration(h * float64(time.Hour)), nil
}

// List splits section.key on sep, trimming blanks and dropping empty items.
func (c Context) List(section, key, sep string) []string {
	return Split(c.Get(section, key), sep)
}

// Split splits s on sep, trimming blanks and dropping empty items.
func Split(s, sep string) []string {
	var out []string
	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
