// Package browser is an in-process stand-in for the browser: tabs, navigation events and script
// injection into each tab's document.
package browser

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/page"
)

var (
	ErrNoActiveTab  = errors.New("browser: no active tab")
	ErrNoSuchTab    = errors.New("browser: no such tab")
	ErrNoSuchFile   = errors.New("browser: no such script or stylesheet")
	ErrNoPermission = errors.New("browser: no host permission for page")
)

// Script is a behavior file; it runs inside the tab's document.
type Script func(tabID int, doc *page.Document)

type Tab struct {
	ID     int
	URL    string
	Active bool
}

type tab struct {
	id  int
	doc *page.Document
}

// contentScript is a declared injection that runs on every load of a matching page.
type contentScript struct {
	match   func(url string) bool
	scripts []string
	styles  []string
}

// Host owns the tabs. Event listeners are called synchronously, outside the host's lock, on the
// goroutine that caused the event.
type Host struct {
	mu      sync.Mutex
	tabs    map[int]*tab
	nextID  int
	active  int
	scripts map[string]Script
	styles  map[string]string

	permitted func(url string) bool
	declared  []contentScript

	navListeners      []func(ctx context.Context, tabID int, url string)
	removedListeners  []func(tabID int)
	activateListeners []func(ctx context.Context, tabID int, url string)
}

type Option func(*Host)

// WithPermissions restricts scripting to pages for which fn returns true.
func WithPermissions(fn func(url string) bool) Option {
	return func(h *Host) {
		h.permitted = fn
	}
}

func NewHost(opts ...Option) *Host {
	h := &Host{
		tabs:      map[int]*tab{},
		nextID:    1,
		scripts:   map[string]Script{},
		styles:    map[string]string{},
		permitted: func(string) bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DeclareContentScript runs styles and then scripts in every document that finishes loading a
// URL accepted by match, before navigation listeners are told about the load.
func (h *Host) DeclareContentScript(match func(url string) bool, scripts, styles []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.declared = append(h.declared, contentScript{match: match, scripts: scripts, styles: styles})
}

// RegisterScript makes a behavior file available to ExecuteScript.
func (h *Host) RegisterScript(file string, s Script) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts[file] = s
}

// RegisterStyle makes a stylesheet available to InsertCSS.
func (h *Host) RegisterStyle(file, css string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.styles[file] = css
}

func (h *Host) OnNavigationCompleted(fn func(ctx context.Context, tabID int, url string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navListeners = append(h.navListeners, fn)
}

func (h *Host) OnTabRemoved(fn func(tabID int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removedListeners = append(h.removedListeners, fn)
}

func (h *Host) OnTabActivated(fn func(ctx context.Context, tabID int, url string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activateListeners = append(h.activateListeners, fn)
}

// OpenTab creates an active tab and loads url in it.
func (h *Host) OpenTab(ctx context.Context, url string) int {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.tabs[id] = &tab{id: id, doc: page.NewDocument(url)}
	h.mu.Unlock()
	log.Debug().Str("component", "browser").Int("tab_id", id).Str("url", url).Msg("tab opened")

	h.completeNavigation(ctx, id, url)
	h.Activate(ctx, id)
	return id
}

// Navigate performs a full load: the old document is destroyed and a fresh one created.
func (h *Host) Navigate(ctx context.Context, tabID int, url string) error {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return ErrNoSuchTab
	}
	old := t.doc
	t.doc = page.NewDocument(url)
	h.mu.Unlock()

	old.Destroy()
	h.completeNavigation(ctx, tabID, url)
	return nil
}

// PushState changes the URL inside the page without a load, as single page apps do. No
// navigation event reaches the listeners.
func (h *Host) PushState(tabID int, url string) error {
	doc, err := h.Document(tabID)
	if err != nil {
		return err
	}
	doc.SetURL(url)
	return nil
}

func (h *Host) Activate(ctx context.Context, tabID int) {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.active = tabID
	url := t.doc.URL()
	listeners := append([]func(context.Context, int, string){}, h.activateListeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, tabID, url)
	}
}

func (h *Host) CloseTab(tabID int) {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.tabs, tabID)
	if h.active == tabID {
		h.active = 0
	}
	listeners := append([]func(int){}, h.removedListeners...)
	h.mu.Unlock()

	t.doc.Destroy()
	for _, fn := range listeners {
		fn(tabID)
	}
	log.Debug().Str("component", "browser").Int("tab_id", tabID).Msg("tab closed")
}

// ActiveTab resolves the active tab of the current window.
func (h *Host) ActiveTab(_ context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tabs[h.active]; !ok {
		return 0, ErrNoActiveTab
	}
	return h.active, nil
}

func (h *Host) Tab(tabID int) (Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return Tab{}, ErrNoSuchTab
	}
	return Tab{ID: t.id, URL: t.doc.URL(), Active: h.active == tabID}, nil
}

func (h *Host) Tabs() []Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Tab, 0, len(h.tabs))
	for id, t := range h.tabs {
		out = append(out, Tab{ID: id, URL: t.doc.URL(), Active: h.active == id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Document returns the current document of tabID.
func (h *Host) Document(tabID int) (*page.Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return nil, ErrNoSuchTab
	}
	return t.doc, nil
}

// Close destroys every tab without firing removal events.
func (h *Host) Close() {
	h.mu.Lock()
	tabs := h.tabs
	h.tabs = map[int]*tab{}
	h.active = 0
	h.mu.Unlock()
	for _, t := range tabs {
		t.doc.Destroy()
	}
}

func (h *Host) completeNavigation(ctx context.Context, tabID int, url string) {
	h.mu.Lock()
	listeners := append([]func(context.Context, int, string){}, h.navListeners...)
	declared := append([]contentScript{}, h.declared...)
	h.mu.Unlock()

	for _, cs := range declared {
		if !cs.match(url) {
			continue
		}
		for _, file := range cs.styles {
			if err := h.InsertCSS(ctx, tabID, file); err != nil {
				log.Warn().Err(err).Str("component", "browser").Int("tab_id", tabID).Str("file", file).Msg("declared stylesheet failed")
			}
		}
		for _, file := range cs.scripts {
			if err := h.ExecuteScript(ctx, tabID, file); err != nil {
				log.Warn().Err(err).Str("component", "browser").Int("tab_id", tabID).Str("file", file).Msg("declared script failed")
			}
		}
	}
	for _, fn := range listeners {
		fn(ctx, tabID, url)
	}
}
