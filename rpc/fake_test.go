package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"

	chat "google.golang.org/api/chat/v1"
	people "google.golang.org/api/people/v1"

	"github.com/onnwee/outer/backend/db"
	"github.com/onnwee/outer/backend/events"
	"github.com/onnwee/outer/backend/session"
)

var errRemote = errors.New("remote unavailable")

type eventsSub = events.Subscription[*chat.Message]

// fakeClient is an in-memory ChatClient. Error fields make the matching call fail.
type fakeClient struct {
	mu sync.Mutex

	spaces    []*chat.Space
	spacesErr error

	space    *chat.Space
	spaceErr error

	messages    []*chat.Message
	messagesErr error

	createErr error
	created   []string

	members    map[string][]*chat.Membership
	membersErr error
	details    map[string]*chat.Membership

	people      []*people.PersonResponse
	peopleErr   error
	peopleCalls [][]string
}

func (f *fakeClient) ListSpaces(context.Context) ([]*chat.Space, error) {
	return f.spaces, f.spacesErr
}

func (f *fakeClient) GetSpace(_ context.Context, name string) (*chat.Space, error) {
	if f.spaceErr != nil {
		return nil, f.spaceErr
	}
	return f.space, nil
}

func (f *fakeClient) ListMessages(context.Context, string) ([]*chat.Message, error) {
	return f.messages, f.messagesErr
}

func (f *fakeClient) CreateMessage(_ context.Context, parent, text string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, parent)
	return &chat.Message{Name: parent + "/messages/m1", Text: text, Space: &chat.Space{Name: parent}}, nil
}

func (f *fakeClient) ListMembers(_ context.Context, parent string) ([]*chat.Membership, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.members[parent], nil
}

func (f *fakeClient) GetMember(_ context.Context, name string) (*chat.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.details[name]; ok {
		return m, nil
	}
	return nil, errRemote
}

func (f *fakeClient) BatchGetPeople(_ context.Context, names []string) ([]*people.PersonResponse, error) {
	f.mu.Lock()
	f.peopleCalls = append(f.peopleCalls, names)
	f.mu.Unlock()
	return f.people, f.peopleErr
}

type stubStore struct {
	cred db.Credential
	err  error
}

func (s stubStore) LookupCredential(context.Context, string) (db.Credential, error) {
	return s.cred, s.err
}

var completeCred = db.Credential{AccessToken: "at", RefreshToken: "rt"}

// newTestService returns a service whose factory hands out client for any credential,
// a fresh bus, and a context carrying a signed-in identity.
func newTestService(t *testing.T, store CredentialStore, client ChatClient) (*Service, context.Context) {
	t.Helper()
	bus := events.New[*chat.Message](events.WithBufferSize(8))
	t.Cleanup(bus.Close)
	svc := NewService(Options{
		Store: store,
		Clients: func(context.Context, db.Credential) (ChatClient, error) {
			return client, nil
		},
		Bus: bus,
	})
	ctx := session.WithIdentity(context.Background(), session.Identity{UserID: "u1", Email: "ada@example.com"})
	return svc, ctx
}
