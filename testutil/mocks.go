package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
)

// MockGoogleServer serves fake Google Chat and People REST endpoints. Point the generated
// clients at URL+"/" with option.WithEndpoint. Handlers are keyed by "METHOD /path";
// unregistered routes answer 404 in Google's error shape.
type MockGoogleServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
	recorded []RecordedRequest
}

// RecordedRequest is what the mock saw of one request.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// NewMockGoogleServer creates a new mock Google API server
func NewMockGoogleServer(t *testing.T) *MockGoogleServer {
	t.Helper()
	m := &MockGoogleServer{
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		m.recorded = append(m.recorded, RecordedRequest{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone(),
		})
		handler, ok := m.handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		WriteGoogleError(w, http.StatusNotFound, "Requested entity was not found.")
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for method and path.
func (m *MockGoogleServer) Handle(method, path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+" "+path] = h
}

// Calls reports how often method and path were requested.
func (m *MockGoogleServer) Calls(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method+" "+path]
}

// Requests returns the recorded requests for method and path in arrival order.
func (m *MockGoogleServer) Requests(method, path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedRequest
	for _, r := range m.recorded {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// TotalCalls reports every request the server received.
func (m *MockGoogleServer) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// JSON registers a handler answering with body.
func (m *MockGoogleServer) JSON(method, path string, body any) {
	m.Handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, body)
	})
}

// Fail registers a handler answering with a Google API error.
func (m *MockGoogleServer) Fail(method, path string, status int) {
	m.Handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		WriteGoogleError(w, status, http.StatusText(status))
	})
}

// MockSpaces serves GET /v1/spaces as pages. Page i is returned for pageToken "p<i>".
func (m *MockGoogleServer) MockSpaces(pages ...[]map[string]any) {
	m.Handle(http.MethodGet, "/v1/spaces", pagedHandler("spaces", pages))
}

// MockMembers serves GET /v1/spaces/{space}/members as pages.
func (m *MockGoogleServer) MockMembers(space string, pages ...[]map[string]any) {
	m.Handle(http.MethodGet, "/v1/spaces/"+space+"/members", pagedHandler("memberships", pages))
}

// MockSpace serves GET /v1/spaces/{space}.
func (m *MockGoogleServer) MockSpace(space string, body map[string]any) {
	m.JSON(http.MethodGet, "/v1/spaces/"+space, body)
}

// MockMessages serves GET /v1/spaces/{space}/messages.
func (m *MockGoogleServer) MockMessages(space string, messages []map[string]any) {
	m.JSON(http.MethodGet, "/v1/spaces/"+space+"/messages", map[string]any{"messages": messages})
}

// MockMember serves GET /v1/spaces/{space}/members/{member}.
func (m *MockGoogleServer) MockMember(space, member string, body map[string]any) {
	m.JSON(http.MethodGet, "/v1/spaces/"+space+"/members/"+member, body)
}

// MockCreateMessage serves POST /v1/spaces/{space}/messages by echoing the text back
// under a generated name.
func (m *MockGoogleServer) MockCreateMessage(space string) {
	m.Handle(http.MethodPost, "/v1/spaces/"+space+"/messages", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			WriteGoogleError(w, http.StatusBadRequest, err.Error())
			return
		}
		in["name"] = "spaces/" + space + "/messages/m1"
		WriteJSON(w, http.StatusOK, in)
	})
}

// MockPeople serves GET /v1/people:batchGet from a people/<id> keyed directory.
// Unknown resource names get a per-person 404 status like the real endpoint.
func (m *MockGoogleServer) MockPeople(directory map[string]string) {
	m.Handle(http.MethodGet, "/v1/people:batchGet", func(w http.ResponseWriter, r *http.Request) {
		var responses []map[string]any
		for _, rn := range r.URL.Query()["resourceNames"] {
			name, ok := directory[rn]
			if !ok {
				responses = append(responses, map[string]any{
					"requestedResourceName": rn,
					"httpStatusCode":        404,
					"status":                map[string]any{"code": 5, "message": "not found"},
				})
				continue
			}
			responses = append(responses, map[string]any{
				"requestedResourceName": rn,
				"httpStatusCode":        200,
				"person": map[string]any{
					"resourceName": rn,
					"names":        []map[string]any{{"displayName": name}},
				},
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"responses": responses})
	})
}

func pagedHandler(field string, pages [][]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if tok := r.URL.Query().Get("pageToken"); tok != "" {
			for i := range pages {
				if tok == pageToken(i) {
					idx = i
				}
			}
		}
		body := map[string]any{}
		if idx < len(pages) {
			body[field] = pages[idx]
		}
		if idx+1 < len(pages) {
			body["nextPageToken"] = pageToken(idx + 1)
		}
		WriteJSON(w, http.StatusOK, body)
	}
}

func pageToken(i int) string {
	return "p" + strconv.Itoa(i)
}

// WriteJSON writes body with status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}

// WriteGoogleError writes the googleapi error envelope.
func WriteGoogleError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg},
	})
}
