package messages

import "sync"

// ReplyContext is the pending back-reference selected for the next outgoing message.
type ReplyContext struct {
	MessageID string
	Ref       ReplyRef
}

// Draft is an outgoing message before it is assigned an identifier.
type Draft struct {
	Sender string
	Text   string
	Image  string
	SentAt string
}

// Annotator holds at most one active reply selection per client.
type Annotator struct {
	mu     sync.Mutex
	active *ReplyContext
}

// NewAnnotator constructs an annotator with no active reply.
func NewAnnotator() *Annotator {
	return &Annotator{}
}

// BeginReply selects record as the quoted message, replacing any earlier selection.
// Only sender, text and sentAt are captured; image payloads are never quoted.
func (a *Annotator) BeginReply(record MessageRecord) ReplyContext {
	reply := ReplyContext{
		MessageID: record.ID,
		Ref: ReplyRef{
			Sender: record.Sender,
			Text:   record.Text,
			SentAt: record.SentAt,
		},
	}
	a.mu.Lock()
	a.active = &reply
	a.mu.Unlock()
	return reply
}

// CancelReply drops the active selection, if any.
func (a *Annotator) CancelReply() {
	a.mu.Lock()
	a.active = nil
	a.mu.Unlock()
}

// Active returns the current selection.
func (a *Annotator) Active() (ReplyContext, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return ReplyContext{}, false
	}
	return *a.active, true
}

// Attach builds the outgoing record from draft, copying the reply reference when one is given.
// The identifier is left empty; it is assigned when the record is emitted.
func (a *Annotator) Attach(draft Draft, reply *ReplyContext) MessageRecord {
	record := MessageRecord{
		Sender: draft.Sender,
		Text:   draft.Text,
		Image:  draft.Image,
		SentAt: draft.SentAt,
	}
	if reply != nil {
		ref := ReplyRef{
			Sender: reply.Ref.Sender,
			Text:   reply.Ref.Text,
			SentAt: reply.Ref.SentAt,
		}
		record.ReplyTo = &ref
	}
	return record
}
