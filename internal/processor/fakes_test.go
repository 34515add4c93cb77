package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/concat"
	"github.com/MikeSquared-Agency/conduit/internal/enrich"
	"github.com/MikeSquared-Agency/conduit/internal/event"
	"github.com/MikeSquared-Agency/conduit/internal/router"
	"github.com/MikeSquared-Agency/conduit/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	testOrg      = "00000000-0000-0000-0000-0000000000aa"
	testChannel  = "00000000-0000-0000-0000-0000000000c1"
	testInstance = "inst-1"
)

type fakeStore struct {
	mu sync.Mutex

	conns       map[string]*store.Connection
	contacts    map[string]*store.Contact
	sessions    map[string]*store.Session
	messages    []store.Message
	statuses    map[string]string
	transcripts map[string]string
	instance    map[string]string
	qr          map[string]string
	touched     map[string]time.Time
	resumed     []string

	failCreateMessage error
	seq               int
}

func newFakeStore() *fakeStore {
	fs := &fakeStore{
		conns:       map[string]*store.Connection{},
		contacts:    map[string]*store.Contact{},
		sessions:    map[string]*store.Session{},
		statuses:    map[string]string{},
		transcripts: map[string]string{},
		instance:    map[string]string{},
		qr:          map[string]string{},
		touched:     map[string]time.Time{},
	}
	fs.conns[testInstance] = &store.Connection{
		ID:             testChannel,
		OrganizationID: testOrg,
		InstanceID:     testInstance,
		Status:         store.ConnectionConnected,
	}
	return fs
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) ConnectionByInstance(_ context.Context, instanceID string) (*store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[instanceID], nil
}

func (f *fakeStore) GetConnection(_ context.Context, id string) (*store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindContact(_ context.Context, orgID, phone string) (*store.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[orgID+"/"+phone]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) CreateContact(_ context.Context, orgID, phone, name string) (*store.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &store.Contact{ID: f.nextID("contact"), OrganizationID: orgID, PhoneNumber: phone, Name: name}
	f.contacts[orgID+"/"+phone] = c
	cp := *c
	return &cp, nil
}

func (f *fakeStore) UpdateContactName(_ context.Context, contactID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.ID == contactID {
			c.Name = name
		}
	}
	return nil
}

func (f *fakeStore) GetOrCreateSession(_ context.Context, contactID, connectionID, orgID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ContactID == contactID && s.ConnectionID == connectionID {
			cp := *s
			return &cp, nil
		}
	}
	s := &store.Session{ID: f.nextID("session"), ContactID: contactID, ConnectionID: connectionID, OrganizationID: orgID,
		Status: store.SessionActive, AIEnabled: true}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) setSessionStatus(id, status string) {
	f.editSession(id, func(s *store.Session) { s.Status = status })
}

func (f *fakeStore) editSession(id string, fn func(*store.Session)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.sessions[id])
}

func (f *fakeStore) setBypass(orgID, phone string, bypass bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[orgID+"/"+phone].BypassBots = bypass
}

func (f *fakeStore) ResumeSession(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return false, nil
	}
	if s.Status == store.SessionPaused {
		s.Status = store.SessionActive
	}
	s.AIEnabled = true
	s.AIBlockedUntil = nil
	f.resumed = append(f.resumed, id)
	return true, nil
}

func (f *fakeStore) UpdateSessionLastMessageAt(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[id] = at
	return nil
}

func (f *fakeStore) CreateMessage(_ context.Context, m store.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateMessage != nil {
		return false, f.failCreateMessage
	}
	for _, existing := range f.messages {
		if m.WAMessageID != "" && existing.WAMessageID == m.WAMessageID && existing.Concatenated == m.Concatenated {
			return false, nil
		}
	}
	f.messages = append(f.messages, m)
	return true, nil
}

func (f *fakeStore) UpdateMessageStatus(_ context.Context, _, waID, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, m := range f.messages {
		if m.WAMessageID == waID {
			found = true
		}
	}
	f.statuses[waID] = status
	return found, nil
}

func (f *fakeStore) UpdateMessageTranscription(_ context.Context, _, waID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[waID] = text
	return nil
}

func (f *fakeStore) UpdateInstanceStatus(_ context.Context, connID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instance[connID] = status
	return nil
}

func (f *fakeStore) UpdateInstanceQR(_ context.Context, connID, qr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qr[connID] = qr
	return nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type addCall struct {
	key  concat.Key
	frag event.Fragment
}

type fakeConcat struct {
	mu    sync.Mutex
	calls []addCall
}

func (c *fakeConcat) AddFragment(_ context.Context, key concat.Key, f event.Fragment) (concat.AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, addCall{key: key, frag: f})
	if len(c.calls) == 1 {
		return concat.Processing, nil
	}
	return concat.Queued, nil
}

func (c *fakeConcat) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type published struct {
	subject string
	data    any
}

// fakeBus delivers every publish onto a channel so tests can wait for the
// fire-and-forget goroutines.
type fakeBus struct {
	ch chan published
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan published, 16)}
}

func (b *fakeBus) Publish(subject string, data any) error {
	b.ch <- published{subject: subject, data: data}
	return nil
}

func (b *fakeBus) wait(timeout time.Duration) (published, error) {
	select {
	case p := <-b.ch:
		return p, nil
	case <-time.After(timeout):
		return published{}, errors.New("no publish")
	}
}

type fakeRouter struct {
	mu       sync.Mutex
	payloads []router.Payload
	outcome  router.Outcome
}

func (r *fakeRouter) Deliver(_ context.Context, _ string, p router.Payload) router.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	if r.outcome.Status == "" {
		return router.Outcome{Status: router.StatusDelivered, URL: "https://hook.example"}
	}
	return r.outcome
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(_ context.Context, f event.Fragment) enrich.Result {
	if !enrich.Applies(f) {
		return enrich.Result{Text: f.Content}
	}
	return enrich.Result{Text: "[Audio transcribed]: hello", Transcription: "hello", Enriched: true}
}
