package page

// Element is a node of a Document. All access goes through the document's lock.
type Element struct {
	doc      *Document
	parent   *Element
	ID       string
	Tag      string
	attrs    map[string]string
	text     string
	hidden   bool
	children []*Element
}

// CreateElement returns a detached element owned by d.
func (d *Document) CreateElement(tag, id string) *Element {
	return &Element{doc: d, Tag: tag, ID: id, attrs: map[string]string{}}
}

// AppendChild attaches child as the last child of e.
func (e *Element) AppendChild(child *Element) {
	d := e.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if child.parent != nil {
		child.parent.removeLocked(child)
	}
	child.parent = e
	e.children = append(e.children, child)
	d.enqueueLocked(Mutation{Kind: MutationChildList, URL: d.url})
}

// Remove detaches e from its parent.
func (e *Element) Remove() {
	d := e.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.parent == nil {
		return
	}
	e.parent.removeLocked(e)
	d.enqueueLocked(Mutation{Kind: MutationChildList, URL: d.url})
}

// RemoveChildren detaches every child of e.
func (e *Element) RemoveChildren() {
	d := e.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(e.children) == 0 {
		return
	}
	for _, c := range e.children {
		c.parent = nil
	}
	e.children = nil
	d.enqueueLocked(Mutation{Kind: MutationChildList, URL: d.url})
}

func (e *Element) removeLocked(child *Element) {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			break
		}
	}
	child.parent = nil
}

// Attached reports whether e is reachable from the document body.
func (e *Element) Attached() bool {
	d := e.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	for n := e; n != nil; n = n.parent {
		if n == d.body {
			return true
		}
	}
	return false
}

func (e *Element) SetText(s string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.text = s
}

func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.text
}

func (e *Element) SetAttr(k, v string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.attrs[k] = v
}

func (e *Element) Attr(k string) string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.attrs[k]
}

func (e *Element) SetHidden(h bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.hidden = h
}

func (e *Element) Hidden() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.hidden
}

func (e *Element) Children() []*Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return append([]*Element(nil), e.children...)
}

// Find searches e's subtree for id.
func (e *Element) Find(id string) *Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.findLocked(id)
}

func (e *Element) findLocked(id string) *Element {
	if e.ID == id && id != "" {
		return e
	}
	for _, c := range e.children {
		if f := c.findLocked(id); f != nil {
			return f
		}
	}
	return nil
}

func (e *Element) countLocked(id string) int {
	n := 0
	if e.ID == id && id != "" {
		n++
	}
	for _, c := range e.children {
		n += c.countLocked(id)
	}
	return n
}
