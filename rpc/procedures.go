// Package rpc implements the authenticated procedure surface: the credential
// pipeline, the spaces and people procedures, and their HTTP transport.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	chat "google.golang.org/api/chat/v1"
	people "google.golang.org/api/people/v1"

	"github.com/onnwee/outer/backend/events"
	"github.com/onnwee/outer/backend/telemetry"
)

// Procedure names as addressed by group.procedure.
const (
	ProcSpacesList   = "spaces.list"
	ProcSpacesInfo   = "spaces.info"
	ProcOnMessage    = "spaces.onMessage"
	ProcSendMessage  = "spaces.sendMessage"
	ProcSpaceMembers = "spaces.members"
	ProcPeopleList   = "people.list"
)

// Bus carries created messages keyed by bare space id.
type Bus = events.Publisher[*chat.Message]

// Options configure a Service.
type Options struct {
	Store   CredentialStore
	Clients ClientFactory
	Bus     *Bus
	// KeepAlive is the interval between stream keep-alive comments; 0 disables them.
	KeepAlive time.Duration
	// MemberLookups bounds concurrent DM membership resolution.
	MemberLookups int
}

// Service runs procedures behind the request pipeline.
type Service struct {
	store     CredentialStore
	clients   ClientFactory
	bus       *Bus
	keepAlive time.Duration
	lookups   int
	unary     map[string]func(context.Context, ChatClient, json.RawMessage) (any, error)
}

// NewService returns a Service. A nil Bus gets a fresh default bus.
func NewService(opts Options) *Service {
	if opts.Bus == nil {
		opts.Bus = events.New[*chat.Message]()
	}
	if opts.MemberLookups <= 0 {
		opts.MemberLookups = 8
	}
	s := &Service{
		store:     opts.Store,
		clients:   opts.Clients,
		bus:       opts.Bus,
		keepAlive: opts.KeepAlive,
		lookups:   opts.MemberLookups,
	}
	s.unary = map[string]func(context.Context, ChatClient, json.RawMessage) (any, error){
		ProcSpacesList:   s.listSpaces,
		ProcSpacesInfo:   s.spaceInfo,
		ProcSendMessage:  s.sendMessage,
		ProcSpaceMembers: s.members,
		ProcPeopleList:   s.listPeople,
	}
	return s
}

// Bus returns the bus shared by sendMessage and onMessage.
func (s *Service) Bus() *Bus { return s.bus }

// Call runs a unary procedure: pipeline, input validation, then the handler.
func (s *Service) Call(ctx context.Context, procedure string, input json.RawMessage) (out any, err error) {
	fn, ok := s.unary[procedure]
	if !ok {
		return nil, NewError(CodeNotFound, "unknown procedure "+procedure)
	}
	start := time.Now()
	defer func() { telemetry.ObserveRPC(procedure, CodeOf(err), time.Since(start)) }()

	ctx, err = Authenticate(ctx, s.store, s.clients)
	if err != nil {
		return nil, err
	}
	client, _ := ClientFrom(ctx)
	return fn(ctx, client, input)
}

// Subscribe runs the pipeline for spaces.onMessage and registers a subscription on
// the space's topic. The subscription ends when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, input json.RawMessage) (sub *events.Subscription[*chat.Message], err error) {
	start := time.Now()
	defer func() { telemetry.ObserveRPC(ProcOnMessage, CodeOf(err), time.Since(start)) }()

	if _, err = Authenticate(ctx, s.store, s.clients); err != nil {
		return nil, err
	}
	spaceID, err := decodeSpace(input)
	if err != nil {
		return nil, err
	}
	return s.bus.Subscribe(ctx, spaceID), nil
}

// Room is a space as returned to the client. DMs carry their resolved members and a
// derived display name; the space's own fields are flattened alongside them.
type Room struct {
	Space       *chat.Space
	DisplayName string
	Members     []*chat.Membership
}

// MarshalJSON flattens Space and adds displayName and, for DMs, members.
func (r Room) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if r.Space != nil {
		raw, err := r.Space.MarshalJSON()
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	if r.DisplayName != "" {
		m["displayName"] = r.DisplayName
	}
	if r.Members != nil {
		m["members"] = r.Members
	}
	return json.Marshal(m)
}

// SpaceList is the spaces.list result.
type SpaceList struct {
	DMs   []Room `json:"dms"`
	Rooms []Room `json:"rooms"`
}

// SpaceInfo is the spaces.info result.
type SpaceInfo struct {
	Space    *chat.Space     `json:"space"`
	Messages []*chat.Message `json:"messages"`
}

// IsDM reports whether a space is a direct message: typed as one, or unnamed.
func IsDM(sp *chat.Space) bool {
	return sp.Type == "DM" || sp.SpaceType == "DIRECT_MESSAGE" || sp.DisplayName == ""
}

func (s *Service) softFail(ctx context.Context, op string, err error, attrs ...any) {
	telemetry.RemoteFailure(op)
	args := append([]any{slog.String("operation", op), slog.Any("err", err), slog.String("component", "rpc")}, attrs...)
	telemetry.LoggerWithCorr(ctx).Warn("remote read failed; returning fallback", args...)
}

func (s *Service) listSpaces(ctx context.Context, c ChatClient, _ json.RawMessage) (any, error) {
	out := SpaceList{DMs: []Room{}, Rooms: []Room{}}
	spaces, err := c.ListSpaces(ctx)
	if err != nil {
		s.softFail(ctx, "spaces.list", err)
		return out, nil
	}
	for _, sp := range spaces {
		if sp == nil {
			continue
		}
		if IsDM(sp) {
			out.DMs = append(out.DMs, Room{Space: sp, DisplayName: sp.DisplayName})
		} else {
			out.Rooms = append(out.Rooms, Room{Space: sp, DisplayName: sp.DisplayName})
		}
	}

	self := callerFrom(ctx)
	var g errgroup.Group
	g.SetLimit(s.lookups)
	for i := range out.DMs {
		dm := &out.DMs[i]
		g.Go(func() error {
			dm.Members = s.resolveMembers(ctx, c, dm.Space.Name)
			if dm.DisplayName == "" {
				dm.DisplayName = memberNames(dm.Members, self)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// resolveMembers fetches each membership's detail. A failed lookup leaves a nil entry.
func (s *Service) resolveMembers(ctx context.Context, c ChatClient, space string) []*chat.Membership {
	list, err := c.ListMembers(ctx, space)
	if err != nil {
		s.softFail(ctx, "spaces.members.list", err, slog.String("space_id", space))
		return []*chat.Membership{}
	}
	out := make([]*chat.Membership, len(list))
	for i, m := range list {
		if m == nil || m.Member == nil || m.Member.Name == "" {
			continue
		}
		// users/{id} is addressed within the space as members/{id}.
		detail, err := c.GetMember(ctx, space+"/members/"+strings.TrimPrefix(m.Member.Name, "users/"))
		if err != nil {
			s.softFail(ctx, "spaces.members.get", err, slog.String("space_id", space))
			continue
		}
		out[i] = detail
	}
	return out
}

// memberNames joins the distinct display names of the other participants. A DM with
// only the caller in it is named after the caller.
func memberNames(members []*chat.Membership, self string) string {
	var names, own []string
	seen := map[string]bool{}
	for _, m := range members {
		if m == nil || m.Member == nil || m.Member.DisplayName == "" || seen[m.Member.DisplayName] {
			continue
		}
		seen[m.Member.DisplayName] = true
		if self != "" && m.Member.Name == self {
			own = append(own, m.Member.DisplayName)
			continue
		}
		names = append(names, m.Member.DisplayName)
	}
	if len(names) == 0 {
		names = own
	}
	return strings.Join(names, ", ")
}

func (s *Service) spaceInfo(ctx context.Context, c ChatClient, raw json.RawMessage) (any, error) {
	spaceID, err := decodeSpace(raw)
	if err != nil {
		return nil, err
	}
	name := "spaces/" + spaceID
	out := SpaceInfo{Messages: []*chat.Message{}}

	var g errgroup.Group
	g.Go(func() error {
		sp, err := c.GetSpace(ctx, name)
		if err != nil {
			s.softFail(ctx, "spaces.get", err, slog.String("space_id", spaceID))
			return nil
		}
		out.Space = sp
		return nil
	})
	var msgs []*chat.Message
	g.Go(func() error {
		var err error
		if msgs, err = c.ListMessages(ctx, name); err != nil {
			s.softFail(ctx, "spaces.messages.list", err, slog.String("space_id", spaceID))
			msgs = nil
		}
		return nil
	})
	_ = g.Wait()
	if msgs != nil {
		out.Messages = msgs
	}
	return out, nil
}

func (s *Service) sendMessage(ctx context.Context, c ChatClient, raw json.RawMessage) (any, error) {
	spaceID, text, err := decodeSend(raw)
	if err != nil {
		return nil, err
	}
	msg, err := c.CreateMessage(ctx, "spaces/"+spaceID, text)
	if err != nil {
		telemetry.RemoteFailure("spaces.messages.create")
		return nil, Wrap(CodeInternal, "failed to send message", err)
	}
	n := s.bus.Publish(spaceID, msg)
	telemetry.MessagePublished()
	telemetry.LoggerWithCorr(ctx).Debug("message published",
		slog.String("space_id", spaceID),
		slog.Int("subscribers", n),
		slog.String("component", "rpc"))
	return nil, nil
}

func (s *Service) members(ctx context.Context, c ChatClient, raw json.RawMessage) (any, error) {
	spaceID, err := decodeSpace(raw)
	if err != nil {
		return nil, err
	}
	list, err := c.ListMembers(ctx, "spaces/"+spaceID)
	if err != nil {
		s.softFail(ctx, "spaces.members.list", err, slog.String("space_id", spaceID))
		return []*chat.Membership{}, nil
	}
	if list == nil {
		list = []*chat.Membership{}
	}
	return list, nil
}

func (s *Service) listPeople(ctx context.Context, c ChatClient, raw json.RawMessage) (any, error) {
	names, err := decodePeople(raw)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []*people.PersonResponse{}, nil
	}
	resp, err := c.BatchGetPeople(ctx, names)
	if err != nil {
		s.softFail(ctx, "people.batchGet", err)
		return []*people.PersonResponse{}, nil
	}
	if resp == nil {
		resp = []*people.PersonResponse{}
	}
	return resp, nil
}
