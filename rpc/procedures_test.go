package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	chat "google.golang.org/api/chat/v1"
	people "google.golang.org/api/people/v1"
)

func call(t *testing.T, svc *Service, ctx context.Context, proc, input string) any {
	t.Helper()
	out, err := svc.Call(ctx, proc, json.RawMessage(input))
	require.NoError(t, err)
	return out
}

func TestListSpacesPartitions(t *testing.T) {
	client := &fakeClient{spaces: []*chat.Space{
		{Name: "spaces/dm1", Type: "DM"},
		{Name: "spaces/general", DisplayName: "General", SpaceType: "SPACE"},
	}}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)

	out := call(t, svc, ctx, ProcSpacesList, `{}`).(SpaceList)
	require.Len(t, out.DMs, 1)
	require.Equal(t, "spaces/dm1", out.DMs[0].Space.Name)
	require.Len(t, out.Rooms, 1)
	require.Equal(t, "General", out.Rooms[0].DisplayName)
}

func TestListSpacesFailsSoft(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, &fakeClient{spacesErr: errRemote})

	out := call(t, svc, ctx, ProcSpacesList, "")
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	require.JSONEq(t, `{"dms":[],"rooms":[]}`, string(raw))
}

func TestIsDM(t *testing.T) {
	require.True(t, IsDM(&chat.Space{Type: "DM", DisplayName: "x"}))
	require.True(t, IsDM(&chat.Space{SpaceType: "DIRECT_MESSAGE", DisplayName: "x"}))
	require.True(t, IsDM(&chat.Space{SpaceType: "SPACE"}))
	require.False(t, IsDM(&chat.Space{SpaceType: "SPACE", DisplayName: "General"}))
}

func TestListSpacesResolvesDMMembers(t *testing.T) {
	client := &fakeClient{
		spaces: []*chat.Space{{Name: "spaces/dm1", SpaceType: "DIRECT_MESSAGE"}},
		members: map[string][]*chat.Membership{
			"spaces/dm1": {
				{Name: "spaces/dm1/members/1", Member: &chat.User{Name: "users/1"}},
				{Name: "spaces/dm1/members/2", Member: &chat.User{Name: "users/2"}},
				{Name: "spaces/dm1/members/app"},
			},
		},
		details: map[string]*chat.Membership{
			"spaces/dm1/members/1": {Name: "spaces/dm1/members/1", Member: &chat.User{Name: "users/1", DisplayName: "Grace"}},
		},
	}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)

	out := call(t, svc, ctx, ProcSpacesList, `{}`).(SpaceList)
	require.Len(t, out.DMs, 1)
	dm := out.DMs[0]
	require.Len(t, dm.Members, 3)
	require.Equal(t, "Grace", dm.Members[0].Member.DisplayName)
	require.Nil(t, dm.Members[1], "failed member lookups fold to no data")
	require.Nil(t, dm.Members[2])
	require.Equal(t, "Grace", dm.DisplayName)

	raw, err := json.Marshal(dm)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	require.Equal(t, "spaces/dm1", flat["name"])
	require.Equal(t, "DIRECT_MESSAGE", flat["spaceType"])
	require.Equal(t, "Grace", flat["displayName"])
	require.Len(t, flat["members"], 3)
}

func TestListSpacesDMNameExcludesCaller(t *testing.T) {
	ada := &chat.Membership{Name: "spaces/dm1/members/1", Member: &chat.User{Name: "users/1", DisplayName: "Ada"}}
	grace := &chat.Membership{Name: "spaces/dm1/members/2", Member: &chat.User{Name: "users/2", DisplayName: "Grace"}}
	client := &fakeClient{
		spaces: []*chat.Space{
			{Name: "spaces/dm1", SpaceType: "DIRECT_MESSAGE"},
			{Name: "spaces/self", SpaceType: "DIRECT_MESSAGE"},
		},
		members: map[string][]*chat.Membership{
			"spaces/dm1":  {ada, grace},
			"spaces/self": {{Name: "spaces/self/members/1", Member: &chat.User{Name: "users/1"}}},
		},
		details: map[string]*chat.Membership{
			"spaces/dm1/members/1":  ada,
			"spaces/dm1/members/2":  grace,
			"spaces/self/members/1": {Name: "spaces/self/members/1", Member: &chat.User{Name: "users/1", DisplayName: "Ada"}},
		},
	}
	cred := completeCred
	cred.Subject = "1"
	svc, ctx := newTestService(t, stubStore{cred: cred}, client)

	out := call(t, svc, ctx, ProcSpacesList, `{}`).(SpaceList)
	require.Len(t, out.DMs, 2)
	require.Equal(t, "Grace", out.DMs[0].DisplayName)
	require.Len(t, out.DMs[0].Members, 2, "the caller stays in the member list")
	require.Equal(t, "Ada", out.DMs[1].DisplayName, "a DM with only the caller is named after them")
}

func TestListSpacesMemberListFailureKeepsDM(t *testing.T) {
	client := &fakeClient{
		spaces:     []*chat.Space{{Name: "spaces/dm1", SpaceType: "DIRECT_MESSAGE"}},
		membersErr: errRemote,
	}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)

	out := call(t, svc, ctx, ProcSpacesList, `{}`).(SpaceList)
	require.Len(t, out.DMs, 1)
	require.Empty(t, out.DMs[0].Members)
}

func TestSpaceInfo(t *testing.T) {
	client := &fakeClient{
		space:    &chat.Space{Name: "spaces/abc", DisplayName: "Team"},
		messages: []*chat.Message{{Name: "spaces/abc/messages/1", Text: "hello"}},
	}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)

	out := call(t, svc, ctx, ProcSpacesInfo, `{"spaceId":"abc"}`).(SpaceInfo)
	require.Equal(t, "Team", out.Space.DisplayName)
	require.Len(t, out.Messages, 1)
}

func TestSpaceInfoPartialFailure(t *testing.T) {
	client := &fakeClient{
		spaceErr: errRemote,
		messages: []*chat.Message{{Text: "still here"}},
	}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)
	out := call(t, svc, ctx, ProcSpacesInfo, `{"spaceId":"abc"}`).(SpaceInfo)
	require.Nil(t, out.Space)
	require.Len(t, out.Messages, 1)

	client = &fakeClient{spaceErr: errRemote, messagesErr: errRemote}
	svc, ctx = newTestService(t, stubStore{cred: completeCred}, client)
	raw, err := json.Marshal(call(t, svc, ctx, ProcSpacesInfo, `{"spaceId":"abc"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"space":null,"messages":[]}`, string(raw))
}

func TestSendMessagePublishes(t *testing.T) {
	client := &fakeClient{}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := svc.Bus().Subscribe(subCtx, "abc")
	b := svc.Bus().Subscribe(subCtx, "abc")
	other := svc.Bus().Subscribe(subCtx, "xyz")

	out := call(t, svc, ctx, ProcSendMessage, `{"spaceId":"abc","message":"hi"}`)
	require.Nil(t, out)
	require.Equal(t, []string{"spaces/abc"}, client.created)

	for _, sub := range []*eventsSub{a, b} {
		msg, ok := sub.TryNext()
		require.True(t, ok)
		require.Equal(t, "hi", msg.Text)
		require.Equal(t, "spaces/abc/messages/m1", msg.Name)
	}
	_, ok := other.TryNext()
	require.False(t, ok)
}

func TestSendMessageFailureDoesNotPublish(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, &fakeClient{createErr: errRemote})

	sub := svc.Bus().Subscribe(context.Background(), "abc")
	defer sub.Close()

	_, err := svc.Call(ctx, ProcSendMessage, json.RawMessage(`{"spaceId":"abc","message":"hi"}`))
	requireCode(t, err, CodeInternal)
	_, ok := sub.TryNext()
	require.False(t, ok)
}

func TestSendMessageValidation(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, &fakeClient{})
	for _, input := range []string{
		`{"message":"hi"}`,
		`{"spaceId":"","message":"hi"}`,
		`{"spaceId":"spaces/abc","message":"hi"}`,
		`{"spaceId":"abc"}`,
		`{"spaceId":"abc","message":null}`,
		`{"spaceId":"abc","message":42}`,
		`{"spaceId":7,"message":"hi"}`,
		`[]`,
		`not json`,
	} {
		t.Run(input, func(t *testing.T) {
			_, err := svc.Call(ctx, ProcSendMessage, json.RawMessage(input))
			requireCode(t, err, CodeBadRequest)
		})
	}
}

func TestMembersFailSoft(t *testing.T) {
	client := &fakeClient{members: map[string][]*chat.Membership{
		"spaces/abc": {{Name: "spaces/abc/members/1"}},
	}}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)
	out := call(t, svc, ctx, ProcSpaceMembers, `{"spaceId":"abc"}`).([]*chat.Membership)
	require.Len(t, out, 1)

	svc, ctx = newTestService(t, stubStore{cred: completeCred}, &fakeClient{membersErr: errRemote})
	out = call(t, svc, ctx, ProcSpaceMembers, `{"spaceId":"abc"}`).([]*chat.Membership)
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestListPeopleNormalizesIDs(t *testing.T) {
	client := &fakeClient{people: []*people.PersonResponse{{RequestedResourceName: "people/1"}}}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)

	out := call(t, svc, ctx, ProcPeopleList, `{"peopleIds":["users/1","people/1","2"," "]}`).([]*people.PersonResponse)
	require.Len(t, out, 1)
	require.Equal(t, [][]string{{"people/1", "people/2"}}, client.peopleCalls)
}

func TestListPeopleEmptySkipsRemote(t *testing.T) {
	client := &fakeClient{}
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, client)
	out := call(t, svc, ctx, ProcPeopleList, `{"peopleIds":[]}`).([]*people.PersonResponse)
	require.Empty(t, out)
	require.Empty(t, client.peopleCalls)

	_, err := svc.Call(ctx, ProcPeopleList, json.RawMessage(`{}`))
	requireCode(t, err, CodeBadRequest)
	_, err = svc.Call(ctx, ProcPeopleList, json.RawMessage(`{"peopleIds":[1]}`))
	requireCode(t, err, CodeBadRequest)
}

func TestListPeopleFailsSoft(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, &fakeClient{peopleErr: errRemote})
	out := call(t, svc, ctx, ProcPeopleList, `{"peopleIds":["1"]}`).([]*people.PersonResponse)
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestUnknownProcedure(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, &fakeClient{})
	_, err := svc.Call(ctx, "spaces.delete", nil)
	requireCode(t, err, CodeNotFound)
}

func TestSubscribeConcurrentDelivery(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, &fakeClient{})

	subCtx, cancel := context.WithCancel(ctx)
	a, err := svc.Subscribe(subCtx, json.RawMessage(`{"spaceId":"abc"}`))
	require.NoError(t, err)
	b, err := svc.Subscribe(subCtx, json.RawMessage(`{"spaceId":"abc"}`))
	require.NoError(t, err)
	require.Equal(t, 2, svc.Bus().Subscribers("abc"))

	var wg sync.WaitGroup
	got := make([]*chat.Message, 2)
	for i, sub := range []*eventsSub{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], _ = sub.Next()
		}()
	}
	call(t, svc, ctx, ProcSendMessage, `{"spaceId":"abc","message":"hi"}`)
	wg.Wait()
	for _, m := range got {
		require.NotNil(t, m)
		require.Equal(t, "hi", m.Text)
	}

	cancel()
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end on cancel")
	}
	<-b.Done()
	require.ErrorIs(t, a.Err(), context.Canceled)
	require.Zero(t, svc.Bus().Subscribers("abc"))
}

func TestSubscribeValidatesInput(t *testing.T) {
	svc, ctx := newTestService(t, stubStore{cred: completeCred}, &fakeClient{})
	_, err := svc.Subscribe(ctx, json.RawMessage(`{}`))
	requireCode(t, err, CodeBadRequest)
	require.Zero(t, svc.Bus().Topics())
}
