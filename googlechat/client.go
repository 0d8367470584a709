// Package googlechat wraps the Google Chat API v1 and People API v1 generated clients
// behind a per-user Client bound to that user's stored OAuth token pair.
package googlechat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	chat "google.golang.org/api/chat/v1"
	"google.golang.org/api/option"
	people "google.golang.org/api/people/v1"

	"github.com/onnwee/outer/backend/db"
)

// SpacesFilter restricts space listing to named spaces and direct messages.
const SpacesFilter = `spaceType = "SPACE" OR spaceType = "DIRECT_MESSAGE"`

// maxBatchGet is the People API limit on resourceNames per batchGet call.
const maxBatchGet = 200

// Options configure a Factory.
type Options struct {
	// Endpoint overrides the API base URL for both Chat and People (tests).
	Endpoint string
	// Timeout bounds each remote call.
	Timeout time.Duration
	// Base is the transport under the OAuth and tracing layers; defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// Factory builds per-user clients.
type Factory struct {
	opts Options
}

// NewFactory returns a Factory.
func NewFactory(opts Options) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	return &Factory{opts: opts}
}

// Client is an authenticated Google Chat + People client for one user.
type Client struct {
	chat   *chat.Service
	people *people.Service
}

// NewClient returns a client that authorizes every call with cred. The access token is
// used as stored; it is never refreshed here.
func (f *Factory) NewClient(ctx context.Context, cred db.Credential) (*Client, error) {
	if !cred.Complete() {
		return nil, fmt.Errorf("incomplete google credential")
	}
	tok := &oauth2.Token{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken, TokenType: "Bearer"}
	hc := &http.Client{
		Timeout: f.opts.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(tok),
			Base:   otelhttp.NewTransport(f.opts.Base),
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if f.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(f.opts.Endpoint, "/")+"/"))
	}
	cs, err := chat.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create chat service: %w", err)
	}
	ps, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create people service: %w", err)
	}
	return &Client{chat: cs, people: ps}, nil
}

// ListSpaces returns every space and direct message visible to the user, following
// pagination to the end.
func (c *Client) ListSpaces(ctx context.Context) ([]*chat.Space, error) {
	var out []*chat.Space
	err := c.chat.Spaces.List().Filter(SpacesFilter).PageSize(1000).Pages(ctx, func(resp *chat.ListSpacesResponse) error {
		out = append(out, resp.Spaces...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	return out, nil
}

// GetSpace fetches one space by resource name ("spaces/{id}").
func (c *Client) GetSpace(ctx context.Context, name string) (*chat.Space, error) {
	sp, err := c.chat.Spaces.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get space %s: %w", name, err)
	}
	return sp, nil
}

// ListMessages returns the first page of messages in a space.
func (c *Client) ListMessages(ctx context.Context, parent string) ([]*chat.Message, error) {
	resp, err := c.chat.Spaces.Messages.List(parent).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", parent, err)
	}
	return resp.Messages, nil
}

// CreateMessage posts a text message to a space.
func (c *Client) CreateMessage(ctx context.Context, parent, text string) (*chat.Message, error) {
	msg, err := c.chat.Spaces.Messages.Create(parent, &chat.Message{Text: text}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create message %s: %w", parent, err)
	}
	return msg, nil
}

// ListMembers returns every membership of a space.
func (c *Client) ListMembers(ctx context.Context, parent string) ([]*chat.Membership, error) {
	var out []*chat.Membership
	err := c.chat.Spaces.Members.List(parent).PageSize(1000).Pages(ctx, func(resp *chat.ListMembershipsResponse) error {
		out = append(out, resp.Memberships...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list members %s: %w", parent, err)
	}
	return out, nil
}

// GetMember fetches one membership by resource name ("spaces/{id}/members/{member}").
func (c *Client) GetMember(ctx context.Context, name string) (*chat.Membership, error) {
	m, err := c.chat.Spaces.Members.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", name, err)
	}
	return m, nil
}

// BatchGetPeople resolves "people/{id}" resource names to profiles with their names,
// splitting large requests into API-sized batches.
func (c *Client) BatchGetPeople(ctx context.Context, resourceNames []string) ([]*people.PersonResponse, error) {
	var out []*people.PersonResponse
	for start := 0; start < len(resourceNames); start += maxBatchGet {
		end := min(start+maxBatchGet, len(resourceNames))
		resp, err := c.people.People.GetBatchGet().
			ResourceNames(resourceNames[start:end]...).
			PersonFields("names").
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("batch get people: %w", err)
		}
		out = append(out, resp.Responses...)
	}
	return out, nil
}
