package content

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/page"
)

const (
	StatusID   = "rag-chat-status"
	MessagesID = "rag-chat-messages"
)

// View is the chat panel inside the page. Callers serialize access through the instance lock.
type View struct {
	doc      *page.Document
	root     *page.Element
	status   *page.Element
	messages *page.Element
	visible  bool
}

// newView builds a fresh panel, replacing any panel already in the page.
func newView(doc *page.Document, rootID string) *View {
	for old := doc.GetElementByID(rootID); old != nil; old = doc.GetElementByID(rootID) {
		old.Remove()
	}
	root := doc.CreateElement("div", rootID)
	root.SetAttr("class", "rag-chat-panel")
	root.SetHidden(true)
	status := doc.CreateElement("div", StatusID)
	messages := doc.CreateElement("div", MessagesID)
	root.AppendChild(status)
	root.AppendChild(messages)
	doc.Body().AppendChild(root)
	return &View{doc: doc, root: root, status: status, messages: messages}
}

func (v *View) Root() *page.Element { return v.root }

// Toggle flips visibility and returns the new state.
func (v *View) Toggle() bool {
	v.visible = !v.visible
	v.root.SetHidden(!v.visible)
	return v.visible
}

func (v *View) Visible() bool { return v.visible }

func (v *View) SetDark(dark bool) {
	if dark {
		v.root.SetAttr("class", "rag-chat-panel dark")
		return
	}
	v.root.SetAttr("class", "rag-chat-panel")
}

func (v *View) SetStatus(s string) { v.status.SetText(s) }

func (v *View) Status() string { return v.status.Text() }

// Reset empties the conversation for a new subject.
func (v *View) Reset(videoID string) {
	v.messages.RemoveChildren()
	if videoID == "" {
		v.SetStatus("No video detected")
		return
	}
	v.SetStatus("Video " + videoID)
}

// Replay shows a stored history.
func (v *View) Replay(entries []conversation.Entry) {
	for i, e := range entries {
		id := fmt.Sprintf("history-%d", i)
		v.addMessage(id+"-q", "user", e.Question)
		v.addMessage(id+"-a", "assistant", e.Answer).SetAttr("state", "done")
	}
}

func (v *View) AddPending(turnID, question string) {
	v.addMessage(turnID+"-q", "user", question)
	a := v.addMessage(turnID+"-a", "assistant", "")
	a.SetAttr("state", "pending")
}

func (v *View) UpdatePending(turnID, text string) {
	if a := v.messages.Find(turnID + "-a"); a != nil {
		a.SetText(text)
	}
}

func (v *View) FinalizePending(turnID, answer string, sources []backend.Source) {
	a := v.messages.Find(turnID + "-a")
	if a == nil {
		return
	}
	a.SetText(answer)
	a.SetAttr("state", "done")
	if len(sources) == 0 {
		return
	}
	list := v.doc.CreateElement("div", turnID+"-sources")
	list.SetAttr("class", "sources")
	for _, s := range sources {
		item := v.doc.CreateElement("div", "")
		item.SetAttr("class", "source")
		item.SetText(formatSource(s))
		list.AppendChild(item)
	}
	a.AppendChild(list)
}

// FailPending replaces the placeholder with an inline error.
func (v *View) FailPending(turnID, msg string) {
	if a := v.messages.Find(turnID + "-a"); a != nil {
		a.Remove()
	}
	v.addMessage(turnID+"-error", "error", "Error: "+msg)
}

// Transcript lists the visible messages as "class: text" lines.
func (v *View) Transcript() []string {
	var out []string
	for _, m := range v.messages.Children() {
		out = append(out, m.Attr("class")+": "+m.Text())
	}
	return out
}

func (v *View) addMessage(id, class, text string) *page.Element {
	m := v.doc.CreateElement("div", id)
	m.SetAttr("class", class)
	m.SetText(text)
	v.messages.AppendChild(m)
	return m
}

func formatSource(s backend.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d]", s.SourceID)
	if s.Timestamp != "" {
		b.WriteString(" " + s.Timestamp)
	}
	b.WriteString(" " + s.Text)
	return b.String()
}
