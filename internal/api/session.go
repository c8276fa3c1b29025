package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-review/internal/review"
)

// Frame types sent by the server during a review session.
const (
	frameCard   = "card"
	frameResult = "result"
	frameError  = "error"
	frameDone   = "done"
)

// sessionFrame is one server message. The client answers each card frame
// with an attemptRequest.
type sessionFrame struct {
	Type            string           `json:"type"`
	Card            *review.Card     `json:"card,omitempty"`
	Result          *attemptResponse `json:"result,omitempty"`
	Remaining       int              `json:"remaining"`
	Degraded        bool             `json:"degraded,omitempty"`
	NextAvailableAt *time.Time       `json:"nextAvailableAt,omitempty"`
	Error           string           `json:"error,omitempty"`
}

type session struct {
	conn        *websocket.Conn
	svc         Reviewer
	learnerID   string
	scopeID     string
	idleTimeout time.Duration
}

// handleSession walks a learner through the due set over a websocket. The
// due set is loaded before the upgrade so lookup errors are plain HTTP
// responses.
func (h *handler) handleSession(w http.ResponseWriter, r *http.Request) {
	learnerID, scopeID := r.PathValue("learnerID"), r.PathValue("scopeID")
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	set, err := h.svc.DueSet(r.Context(), learnerID, scopeID, r.URL.Query().Get("lang"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Sessions outlive the server's request timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	s := &session{
		conn:        conn,
		svc:         h.svc,
		learnerID:   learnerID,
		scopeID:     scopeID,
		idleTimeout: h.idleTimeout,
	}
	err = s.run(r.Context(), set)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	if err != nil {
		slog.Warn("review session ended",
			"request_id", requestIDFromContext(r.Context()),
			"learner_id", learnerID,
			"scope_id", scopeID,
			"error", err,
		)
		_ = conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session complete")
}

func (s *session) run(ctx context.Context, set review.CardSet) error {
	for i := range set.Cards {
		card := set.Cards[i]
		if err := s.write(ctx, sessionFrame{
			Type:      frameCard,
			Card:      &card,
			Remaining: len(set.Cards) - i,
			Degraded:  set.Degraded,
		}); err != nil {
			return err
		}
		if err := s.answer(ctx, card, len(set.Cards)-i-1); err != nil {
			return err
		}
	}

	// Progress is keyed by base id, so the refresh does not need the
	// session language and never triggers translation.
	after, err := s.svc.DueSet(ctx, s.learnerID, s.scopeID, s.svc.BaseLanguage(), 0)
	if err != nil {
		return fmt.Errorf("refresh due set: %w", err)
	}
	return s.write(ctx, sessionFrame{
		Type:            frameDone,
		Remaining:       len(after.Cards),
		NextAvailableAt: after.NextAvailableAt,
	})
}

// answer reads client messages until one is a valid attempt on card.
// Malformed or rejected attempts get an error frame and are retried.
func (s *session) answer(ctx context.Context, card review.Card, remaining int) error {
	for {
		req, err := s.read(ctx)
		if err != nil {
			return err
		}
		if req == nil {
			continue
		}
		if req.ContentUnitID != card.ID && req.ContentUnitID != card.BaseContentUnitID {
			if err := s.writeError(ctx, "answer the current card "+card.ID); err != nil {
				return err
			}
			continue
		}

		st, err := s.svc.RecordAttempt(ctx, s.learnerID, req.ContentUnitID, req.Rating)
		if err != nil {
			if errorStatus(err) == http.StatusBadRequest {
				if err := s.writeError(ctx, err.Error()); err != nil {
					return err
				}
				continue
			}
			return err
		}
		res := newAttemptResponse(st)
		return s.write(ctx, sessionFrame{Type: frameResult, Result: &res, Remaining: remaining})
	}
}

// read returns the next attempt, or nil after reporting an undecodable
// message to the client.
func (s *session) read(ctx context.Context) (*attemptRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
	defer cancel()

	typ, data, err := s.conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	var req attemptRequest
	if typ != websocket.MessageText {
		err = errors.New("expected a text message")
	} else {
		err = json.Unmarshal(data, &req)
	}
	if err != nil {
		return nil, s.writeError(ctx, "invalid attempt: "+err.Error())
	}
	return &req, nil
}

func (s *session) write(ctx context.Context, f sessionFrame) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, f)
}

func (s *session) writeError(ctx context.Context, msg string) error {
	return s.write(ctx, sessionFrame{Type: frameError, Error: msg})
}
