package rpc

import (
	"context"
	"errors"

	chat "google.golang.org/api/chat/v1"
	people "google.golang.org/api/people/v1"

	"github.com/onnwee/outer/backend/db"
	"github.com/onnwee/outer/backend/session"
)

// ChatClient is the remote API surface the procedures need, bound to one user.
type ChatClient interface {
	ListSpaces(ctx context.Context) ([]*chat.Space, error)
	GetSpace(ctx context.Context, name string) (*chat.Space, error)
	ListMessages(ctx context.Context, parent string) ([]*chat.Message, error)
	CreateMessage(ctx context.Context, parent, text string) (*chat.Message, error)
	ListMembers(ctx context.Context, parent string) ([]*chat.Membership, error)
	GetMember(ctx context.Context, name string) (*chat.Membership, error)
	BatchGetPeople(ctx context.Context, resourceNames []string) ([]*people.PersonResponse, error)
}

// CredentialStore looks up a user's stored token pair. It returns db.ErrNoAccount when
// the user has none.
type CredentialStore interface {
	LookupCredential(ctx context.Context, userID string) (db.Credential, error)
}

// ClientFactory builds a ChatClient for a complete credential.
type ClientFactory func(ctx context.Context, cred db.Credential) (ChatClient, error)

type clientKey struct{}

// WithClient attaches a ready client to ctx.
func WithClient(ctx context.Context, c ChatClient) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFrom returns the client attached by the pipeline.
func ClientFrom(ctx context.Context) (ChatClient, bool) {
	c, ok := ctx.Value(clientKey{}).(ChatClient)
	return c, ok && c != nil
}

type callerKey struct{}

// callerFrom returns the signed-in user's Chat resource name (users/{id}), if known.
func callerFrom(ctx context.Context) string {
	name, _ := ctx.Value(callerKey{}).(string)
	return name
}

// Authenticate runs the request pipeline: resolve the identity, load its credential,
// and attach a client bound to it. Failures are coded *Error values and no client is
// built for them.
func Authenticate(ctx context.Context, store CredentialStore, clients ClientFactory) (context.Context, error) {
	id, ok := session.FromContext(ctx)
	if !ok {
		return ctx, NewError(CodeUnauthorized, "")
	}
	cred, err := store.LookupCredential(ctx, id.UserID)
	if errors.Is(err, db.ErrNoAccount) {
		return ctx, NewError(CodeNotFound, "no linked Google account")
	}
	if err != nil {
		return ctx, Wrap(CodeInternal, "", err)
	}
	if !cred.Complete() {
		return ctx, NewError(CodeForbidden, "Google account access is incomplete; sign in again")
	}
	client, err := clients(ctx, cred)
	if err != nil {
		return ctx, Wrap(CodeInternal, "", err)
	}
	if cred.Subject != "" {
		// Chat addresses human users by their Google account id.
		ctx = context.WithValue(ctx, callerKey{}, "users/"+cred.Subject)
	}
	return WithClient(ctx, client), nil
}
