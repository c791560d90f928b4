// Package page models the execution context of one tab: its URL, page-global variables, an
// element tree, injected styles and mutation observers.
package page

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type MutationKind string

const (
	MutationURL       MutationKind = "url"
	MutationChildList MutationKind = "childList"
)

// Mutation is delivered to observers after the change it describes.
type Mutation struct {
	Kind MutationKind
	URL  string
}

// Document is a tab's page. Observers run on the document's own goroutine, one mutation at a
// time and in order, never on the goroutine that caused the change.
type Document struct {
	mu        sync.Mutex
	url       string
	globals   map[string]any
	body      *Element
	styles    map[string]string
	styleKeys []string
	observers map[int]func(Mutation)
	nextObs   int
	unload    []func()
	destroyed bool

	queue   []Mutation
	wake    chan struct{}
	stopped chan struct{}
}

func NewDocument(url string) *Document {
	d := &Document{
		url:       url,
		globals:   map[string]any{},
		styles:    map[string]string{},
		observers: map[int]func(Mutation){},
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	d.body = &Element{doc: d, Tag: "body", attrs: map[string]string{}}
	go d.dispatch()
	return d
}

func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// SetURL changes the URL without reloading, as history.pushState does.
func (d *Document) SetURL(url string) {
	d.mu.Lock()
	if d.destroyed || d.url == url {
		d.mu.Unlock()
		return
	}
	d.url = url
	d.enqueueLocked(Mutation{Kind: MutationURL, URL: url})
	d.mu.Unlock()
}

// Global reads a page-global variable.
func (d *Document) Global(name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.globals[name]
	return v, ok
}

// SetGlobalOnce sets name if it is unset and reports whether it did.
func (d *Document) SetGlobalOnce(name string, v any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.globals[name]; ok {
		return false
	}
	d.globals[name] = v
	return true
}

func (d *Document) Body() *Element { return d.body }

// GetElementByID searches the whole tree.
func (d *Document) GetElementByID(id string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.body.findLocked(id)
}

// CountByID counts elements carrying id, which should never exceed one.
func (d *Document) CountByID(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.body.countLocked(id)
}

// AddStyle installs css under id, replacing an earlier sheet with the same id.
func (d *Document) AddStyle(id, css string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.styles[id]; !ok {
		d.styleKeys = append(d.styleKeys, id)
	}
	d.styles[id] = css
}

func (d *Document) Styles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.styleKeys...)
}

// Observe registers fn for every later mutation and returns a function that stops it.
func (d *Document) Observe(fn func(Mutation)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// OnUnload registers fn to run when the document is destroyed.
func (d *Document) OnUnload(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		go fn()
		return
	}
	d.unload = append(d.unload, fn)
}

// Destroy tears the execution context down: unload hooks run and observers stop.
func (d *Document) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	hooks := d.unload
	d.unload = nil
	d.observers = map[int]func(Mutation){}
	d.queue = nil
	d.mu.Unlock()

	close(d.wake)
	<-d.stopped
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	log.Debug().Str("component", "page").Str("url", d.URL()).Msg("document destroyed")
}

func (d *Document) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Document) enqueueLocked(m Mutation) {
	if d.destroyed {
		return
	}
	d.queue = append(d.queue, m)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Document) dispatch() {
	defer close(d.stopped)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 || d.destroyed {
				d.mu.Unlock()
				break
			}
			m := d.queue[0]
			d.queue = d.queue[1:]
			obs := make([]func(Mutation), 0, len(d.observers))
			for _, fn := range d.observers {
				obs = append(obs, fn)
			}
			d.mu.Unlock()
			for _, fn := range obs {
				fn(m)
			}
		}
	}
}
