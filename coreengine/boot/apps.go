// Package boot provides the executable catalog handed to the process core
// at boot: parsed program images and the list of spawnable applications.
package boot

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateApp is returned when an app with the same name is registered twice.
var ErrDuplicateApp = errors.New("duplicate app name")

// App is a named executable image.
type App struct {
	Name       string      `json:"name"`
	Executable *Executable `json:"-"`
}

// AppList is the catalog of spawnable executables. Lookups ignore case.
type AppList struct {
	apps  []App
	index map[string]int
	mu    sync.RWMutex
}

// NewAppList creates an empty catalog.
func NewAppList() *AppList {
	return &AppList{index: make(map[string]int)}
}

// Add registers an executable under name.
func (l *AppList) Add(name string, exe *Executable) error {
	key := strings.ToLower(name)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateApp, name)
	}
	l.index[key] = len(l.apps)
	l.apps = append(l.apps, App{Name: name, Executable: exe})
	return nil
}

// Lookup finds an app by name, ignoring case.
func (l *AppList) Lookup(name string) (App, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[strings.ToLower(name)]
	if !ok {
		return App{}, false
	}
	return l.apps[i], true
}

// Apps returns the catalog in registration order.
func (l *AppList) Apps() []App {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]App, len(l.apps))
	copy(out, l.apps)
	return out
}

// Len returns the number of registered apps.
func (l *AppList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.apps)
}

// Format renders the catalog the way the list-apps syscall prints it.
func (l *AppList) Format() string {
	var b strings.Builder
	b.WriteString("[+] App list:")
	for _, app := range l.Apps() {
		b.WriteString(" ")
		b.WriteString(app.Name)
	}
	b.WriteString("\n")
	return b.String()
}

// LoadDir parses every regular file in dir as an ELF image and registers it
// under its base name without extension.
func LoadDir(fsys fs.FS, dir string) (*AppList, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read app dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	list := NewAppList()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read app %s: %w", entry.Name(), err)
		}
		exe, err := ParseELF(data)
		if err != nil {
			return nil, fmt.Errorf("parse app %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), path.Ext(entry.Name()))
		if err := list.Add(name, exe); err != nil {
			return nil, err
		}
	}
	return list, nil
}
