package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/outer/backend/db"
	"github.com/onnwee/outer/backend/session"
	"github.com/onnwee/outer/backend/testutil"
)

// validInputs holds a well-formed input for every procedure.
var validInputs = map[string]string{
	ProcSpacesList:   `{}`,
	ProcSpacesInfo:   `{"spaceId":"abc"}`,
	ProcOnMessage:    `{"spaceId":"abc"}`,
	ProcSendMessage:  `{"spaceId":"abc","message":"hi"}`,
	ProcSpaceMembers: `{"spaceId":"abc"}`,
	ProcPeopleList:   `{"peopleIds":["users/1"]}`,
}

// invoke runs any procedure, streaming or unary, and returns its error.
func invoke(ctx context.Context, svc *Service, proc string) error {
	input := json.RawMessage(validInputs[proc])
	if proc == ProcOnMessage {
		sub, err := svc.Subscribe(ctx, input)
		if sub != nil {
			sub.Close()
		}
		return err
	}
	_, err := svc.Call(ctx, proc, input)
	return err
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "expected *rpc.Error, got %T", err)
	require.Equal(t, code, e.Code)
}

func TestNoIdentityIsUnauthorized(t *testing.T) {
	svc, _ := newTestService(t, stubStore{cred: completeCred}, &fakeClient{})
	for proc := range validInputs {
		t.Run(proc, func(t *testing.T) {
			requireCode(t, invoke(context.Background(), svc, proc), CodeUnauthorized)
		})
	}
}

func TestNoStoredCredentialIsNotFound(t *testing.T) {
	store := testutil.SetupTestDB(t, nil)
	built := 0
	svc := NewService(Options{
		Store: store,
		Clients: func(context.Context, db.Credential) (ChatClient, error) {
			built++
			return &fakeClient{}, nil
		},
	})
	ctx := session.WithIdentity(context.Background(), session.Identity{UserID: "nobody"})
	for proc := range validInputs {
		t.Run(proc, func(t *testing.T) {
			requireCode(t, invoke(ctx, svc, proc), CodeNotFound)
		})
	}
	require.Zero(t, built, "no client may be built without a credential")
}

func TestIncompleteCredentialIsForbidden(t *testing.T) {
	store := testutil.SetupTestDB(t, nil)
	userID, err := store.UpsertGoogleAccount(context.Background(), db.GoogleAccount{
		Subject: "g-1", Email: "ada@example.com", Name: "Ada", AccessToken: "at",
	})
	require.NoError(t, err)

	built := 0
	svc := NewService(Options{
		Store: store,
		Clients: func(context.Context, db.Credential) (ChatClient, error) {
			built++
			return &fakeClient{}, nil
		},
	})
	ctx := session.WithIdentity(context.Background(), session.Identity{UserID: userID})
	for proc := range validInputs {
		t.Run(proc, func(t *testing.T) {
			requireCode(t, invoke(ctx, svc, proc), CodeForbidden)
		})
	}
	require.Zero(t, built, "no client may be built for an incomplete credential")
}

func TestMissingAccessTokenIsForbidden(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: db.Credential{RefreshToken: "rt"}}, &fakeClient{})
	for proc := range validInputs {
		requireCode(t, invoke(ctx, svc, proc), CodeForbidden)
	}
}

func TestStoreFailureIsInternal(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{err: errors.New("connection refused")}, &fakeClient{})
	err := invoke(ctx, svc, ProcSpacesList)
	requireCode(t, err, CodeInternal)
	require.ErrorContains(t, err, "connection refused")
}

func TestClientFactoryFailureIsInternal(t *testing.T) {
	svc := NewService(Options{
		Store: stubStore{cred: completeCred},
		Clients: func(context.Context, db.Credential) (ChatClient, error) {
			return nil, errors.New("boom")
		},
	})
	ctx := session.WithIdentity(context.Background(), session.Identity{UserID: "u1"})
	requireCode(t, invoke(ctx, svc, ProcSpacesList), CodeInternal)
}

func TestAuthenticateAttachesClient(t *testing.T) {
	client := &fakeClient{}
	ctx := session.WithIdentity(context.Background(), session.Identity{UserID: "u1"})
	ctx, err := Authenticate(ctx, stubStore{cred: completeCred}, func(_ context.Context, cred db.Credential) (ChatClient, error) {
		require.Equal(t, completeCred, cred)
		return client, nil
	})
	require.NoError(t, err)
	got, ok := ClientFrom(ctx)
	require.True(t, ok)
	require.Same(t, client, got)
}

func TestPipelineRunsBeforeValidation(t *testing.T) {
	svc, _ := newTestService(t, stubStore{cred: completeCred}, &fakeClient{})
	_, err := svc.Call(context.Background(), ProcSpacesInfo, json.RawMessage(`{}`))
	requireCode(t, err, CodeUnauthorized)
}

func TestErrorStatusAndIs(t *testing.T) {
	e := NewError(CodeForbidden, "")
	require.Equal(t, http.StatusForbidden, e.Status)
	require.Equal(t, "Forbidden", e.Message)
	require.ErrorIs(t, Wrap(CodeForbidden, "x", errRemote), NewError(CodeForbidden, ""))
	require.Equal(t, CodeInternal, AsError(errRemote).Code)
	require.Equal(t, "OK", CodeOf(nil))
	require.Equal(t, "NOT_FOUND", CodeOf(NewError(CodeNotFound, "")))
	require.Equal(t, CodeInternal, NewError(Code("WAT"), "").Code)
}
