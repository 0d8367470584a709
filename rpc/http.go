package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chat "google.golang.org/api/chat/v1"

	"github.com/onnwee/outer/backend/events"
	"github.com/onnwee/outer/backend/telemetry"
)

const maxInputBytes = 1 << 20

// readProcedures may also be called with GET. Everything else is POST only so a
// cross-site link cannot trigger a write with the user's cookie.
var readProcedures = map[string]bool{
	ProcSpacesList:   true,
	ProcSpacesInfo:   true,
	ProcOnMessage:    true,
	ProcSpaceMembers: true,
	ProcPeopleList:   true,
}

// Routes returns the transport for every procedure, mounted under /rpc:
// POST /{group}/{procedure} with a JSON body, or GET with ?input=<json> for reads.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{group}/{procedure}", s.serve)
	r.Post("/{group}/{procedure}", s.serve)
	return r
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "group") + "." + chi.URLParam(r, "procedure")
	ctx, span := telemetry.StartSpan(r.Context(), "rpc", name, telemetry.ProcedureAttr(name))
	defer span.End()
	r = r.WithContext(ctx)

	if _, known := s.unary[name]; known && r.Method == http.MethodGet && !readProcedures[name] {
		err := NewError(CodeMethodNotAllowed, name+" requires POST")
		telemetry.RecordError(span, err)
		w.Header().Set("Allow", http.MethodPost)
		WriteError(w, r, err)
		return
	}

	input, err := readInput(w, r)
	if err != nil {
		telemetry.RecordError(span, err)
		WriteError(w, r, err)
		return
	}

	if name == ProcOnMessage {
		s.stream(w, r, input)
		return
	}
	out, err := s.Call(ctx, name, input)
	if err != nil {
		telemetry.RecordError(span, err)
		WriteError(w, r, err)
		return
	}
	telemetry.SetSpanSuccess(span)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Warn("failed to encode rpc response", slog.String("procedure", name), slog.Any("err", err))
	}
}

func readInput(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	if r.Method == http.MethodGet {
		return json.RawMessage(r.URL.Query().Get("input")), nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err != nil {
		return nil, badRequest("unreadable request body")
	}
	return body, nil
}

// stream serves spaces.onMessage as Server-Sent Events. The subscription is registered
// before the response headers are written and ends with the request context.
func (s *Service) stream(w http.ResponseWriter, r *http.Request, input json.RawMessage) {
	ctx := r.Context()
	sub, err := s.Subscribe(ctx, input)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// The server's write timeout would otherwise cut long-lived streams.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("clear stream write deadline", slog.Any("err", err))
	}

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("space_id", sub.Topic()), slog.String("component", "rpc"))
	telemetry.StreamOpened()
	defer telemetry.StreamClosed()
	log.Debug("stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warn("streaming unsupported", slog.Any("err", err))
		return
	}

	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		select {
		case <-sub.Done():
			if errors.Is(sub.Err(), events.ErrClosed) {
				_, _ = io.WriteString(w, "event: done\ndata: {}\n\n")
				_ = rc.Flush()
			}
			log.Debug("stream closed", slog.Any("reason", sub.Err()))
			return
		case <-keepAlive:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case <-sub.Ready():
			for {
				msg, ok := sub.TryNext()
				if !ok {
					break
				}
				if err := writeEvent(w, msg); err != nil {
					log.Debug("stream write failed", slog.Any("err", err))
					return
				}
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, msg *chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
