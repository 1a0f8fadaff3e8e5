// The presence engine keeps one document per tracked member of a channel
// and emits a JOIN, LEAVE or UPDATE diff to its subscribers on every
// mutation. Each diff carries the changed document and a full snapshot in
// insertion order.
package wavesock

// PresenceEventType tags the mutation that produced a presence diff.
type PresenceEventType string

const (
	PresenceJoin   PresenceEventType = "JOIN"
	PresenceLeave  PresenceEventType = "LEAVE"
	PresenceUpdate PresenceEventType = "UPDATE"
)

// PresenceEvent is one presence diff.
type PresenceEvent struct {
	Type     PresenceEventType
	UserID   string
	Changed  map[string]interface{}
	Presence []map[string]interface{}
}

// PresenceEngine is owned by exactly one channel and created lazily on the
// first track call.
type PresenceEngine struct {
	channelName string
	documents   *store[map[string]interface{}]
	events      *SimpleSubject[PresenceEvent]
}

func newPresenceEngine(channelName string) *PresenceEngine {
	return &PresenceEngine{
		channelName: channelName,
		documents:   newStore[map[string]interface{}](),
		events:      NewSimpleSubject[PresenceEvent](),
	}
}

// Subscribe registers an observer for presence diffs and returns its
// unsubscribe function.
func (p *PresenceEngine) Subscribe(observer func(PresenceEvent)) func() {
	return p.events.Subscribe(observer)
}

// Track inserts the document for userID and emits JOIN. A member may have
// at most one document per channel; tracking twice is an error.
func (p *PresenceEngine) Track(userID string, document map[string]interface{}) error {
	doc := cloneDocument(document)
	if err := p.documents.Create(userID, doc); err != nil {
		return presenceError(StatusConflict, p.channelName, string(PresenceJoin),
			"presence already tracked for user "+userID)
	}
	p.emit(PresenceJoin, userID, doc)
	return nil
}

// Update shallow-merges the patch onto the existing document for userID
// and emits UPDATE. Updating an untracked member is an error.
func (p *PresenceEngine) Update(userID string, patch map[string]interface{}) error {
	existing, err := p.documents.Read(userID)
	if err != nil {
		return presenceError(StatusNotFound, p.channelName, string(PresenceUpdate),
			"no presence tracked for user "+userID)
	}
	merged := cloneDocument(existing)
	for key, value := range patch {
		merged[key] = value
	}
	if err := p.documents.Update(userID, merged); err != nil {
		return wrapF(err, "failed to update presence for user %s", userID)
	}
	p.emit(PresenceUpdate, userID, merged)
	return nil
}

// Remove deletes the document for userID and emits LEAVE with the removed
// document as the change and the post-removal snapshot. Removing an
// untracked member is an error unless graceful is set, in which case it is
// a no-op.
func (p *PresenceEngine) Remove(userID string, graceful bool) error {
	removed, err := p.documents.Read(userID)
	if err != nil {
		if graceful {
			return nil
		}
		return presenceError(StatusNotFound, p.channelName, string(PresenceLeave),
			"no presence tracked for user "+userID)
	}
	if err := p.documents.Delete(userID); err != nil {
		return wrapF(err, "failed to remove presence for user %s", userID)
	}
	p.emit(PresenceLeave, userID, removed)
	return nil
}

// GetUserPresence returns the document tracked for userID.
func (p *PresenceEngine) GetUserPresence(userID string) (map[string]interface{}, error) {
	doc, err := p.documents.Read(userID)
	if err != nil {
		return nil, presenceError(StatusNotFound, p.channelName, string(PresenceUpdate),
			"no presence tracked for user "+userID)
	}
	return cloneDocument(doc), nil
}

// GetPresence returns a snapshot of every tracked document in insertion
// order.
func (p *PresenceEngine) GetPresence() []map[string]interface{} {
	values := p.documents.Values()
	snapshot := make([]map[string]interface{}, 0, len(values))
	for _, doc := range values {
		snapshot = append(snapshot, cloneDocument(doc))
	}
	return snapshot
}

// Tracked reports whether userID currently has a document.
func (p *PresenceEngine) Tracked(userID string) bool {
	return p.documents.Has(userID)
}

func (p *PresenceEngine) emit(eventType PresenceEventType, userID string, changed map[string]interface{}) {
	p.events.Publish(PresenceEvent{
		Type:     eventType,
		UserID:   userID,
		Changed:  changed,
		Presence: p.GetPresence(),
	})
}

func cloneDocument(document map[string]interface{}) map[string]interface{} {
	cloned := make(map[string]interface{}, len(document))
	for key, value := range document {
		cloned[key] = value
	}
	return cloned
}
