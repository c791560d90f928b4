package browser

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/page"
)

// ExecuteScript runs a registered behavior file in tabID's current document.
func (h *Host) ExecuteScript(ctx context.Context, tabID int, file string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	s, ok := h.scripts[file]
	doc, tabOK := h.docLocked(tabID)
	h.mu.Unlock()
	if !tabOK {
		return ErrNoSuchTab
	}
	if err := h.checkPermission(doc); err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrNoSuchFile, file)
	}
	s(tabID, doc)
	return nil
}

// InsertCSS adds a registered stylesheet to tabID's current document.
func (h *Host) InsertCSS(ctx context.Context, tabID int, file string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	css, ok := h.styles[file]
	doc, tabOK := h.docLocked(tabID)
	h.mu.Unlock()
	if !tabOK {
		return ErrNoSuchTab
	}
	if err := h.checkPermission(doc); err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrNoSuchFile, file)
	}
	doc.AddStyle(file, css)
	return nil
}

// Probe asks tabID's document whether an element with elementID exists.
func (h *Host) Probe(ctx context.Context, tabID int, elementID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	doc, err := h.Document(tabID)
	if err != nil {
		return false, err
	}
	if err := h.checkPermission(doc); err != nil {
		return false, err
	}
	return doc.GetElementByID(elementID) != nil, nil
}

func (h *Host) checkPermission(doc *page.Document) error {
	url := doc.URL()
	if !h.permitted(url) {
		return errors.Wrap(ErrNoPermission, url)
	}
	return nil
}

func (h *Host) docLocked(tabID int) (*page.Document, bool) {
	t, ok := h.tabs[tabID]
	if !ok {
		return nil, false
	}
	return t.doc, true
}
