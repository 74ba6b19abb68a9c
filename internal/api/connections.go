package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/manager"
	"github.com/UnimibEsami/ditto/internal/signal"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// ReplyResponse is the body of a successful command.
type ReplyResponse struct {
	ConnectionID string `json:"connection_id"`
	Result       string `json:"result"`
	State        string `json:"state,omitempty"`
	Message      string `json:"message,omitempty"`
}

// ConnectionResponse is a stored descriptor plus its live status.
type ConnectionResponse struct {
	Connection *connectivity.Connection `json:"connection"`
	Status     manager.ConnectionStatus `json:"status"`
	Revision   int64                    `json:"revision"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// PublishResponse reports how many connections a signal was offered to.
type PublishResponse struct {
	Connections int `json:"connections"`
}

// commandContext bounds a handler that waits for a client reply.
func (s *Server) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.commandTimeout)
}

// writeReply turns a client reply into a response. Failure replies
// carry their error through errorStatus.
func (s *Server) writeReply(w http.ResponseWriter, r *http.Request, status int, reply connectivity.Reply) {
	if !reply.IsSuccess() {
		err := reply.Err
		if err == nil {
			writeError(w, http.StatusBadGateway, ErrCodeConnectionFailed, reply.Message)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	resp := ReplyResponse{
		ConnectionID: reply.ConnectionID,
		Result:       string(reply.Kind),
		Message:      reply.Message,
	}
	// Success replies built for a state carry the state name as message.
	if reply.Message == reply.State.String() {
		resp.State = reply.State.String()
	}
	writeJSON(w, status, resp)
}

// decodeConnection reads a connection descriptor from the request body.
func decodeConnection(r *http.Request) (*connectivity.Connection, error) {
	var conn connectivity.Connection
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// handleListConnections returns every stored connection with its live status.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.connections.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": statuses,
		"count":       len(statuses),
	})
}

// handleCreateConnection stores a connection and, unless it is created
// closed, waits for it to connect.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := decodeConnection(r)
	if err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	ctx, cancel := s.commandContext(r)
	defer cancel()
	reply, err := s.connections.Create(ctx, conn)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReply(w, r, http.StatusCreated, reply)
}

// handleGetConnection returns the stored descriptor and live status.
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.connections.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status, err := s.connections.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{
		Connection: rec.Connection,
		Status:     status,
		Revision:   rec.Revision,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	})
}

// handleModifyConnection replaces the descriptor of an existing connection.
// The id in the path wins over any id in the body.
func (s *Server) handleModifyConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := decodeConnection(r)
	if err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	conn.ID = chi.URLParam(r, "id")

	ctx, cancel := s.commandContext(r)
	defer cancel()
	reply, err := s.connections.Modify(ctx, conn)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReply(w, r, http.StatusOK, reply)
}

// handleDeleteConnection closes and removes a connection.
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.commandContext(r)
	defer cancel()
	reply, err := s.connections.Delete(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReply(w, r, http.StatusOK, reply)
}

// handleOpenConnection opens a connection and waits until it is connected.
func (s *Server) handleOpenConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.commandContext(r)
	defer cancel()
	reply, err := s.connections.Open(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReply(w, r, http.StatusOK, reply)
}

// handleCloseConnection closes a connection.
func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.commandContext(r)
	defer cancel()
	reply, err := s.connections.Close(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReply(w, r, http.StatusOK, reply)
}

// handleTestConnection connects a descriptor once without storing it.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := decodeConnection(r)
	if err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	ctx, cancel := s.commandContext(r)
	defer cancel()
	reply, err := s.connections.Test(ctx, conn)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReply(w, r, http.StatusOK, reply)
}

// handleConnectionMetrics returns the live metrics of a connection.
func (s *Server) handleConnectionMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.commandContext(r)
	defer cancel()
	m, err := s.connections.RetrieveMetrics(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleConnectionEvents returns the newest state transitions of a
// connection. The limit query parameter defaults to 50.
func (s *Server) handleConnectionEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			writeBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	id := chi.URLParam(r, "id")
	if _, err := s.connections.Get(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	events, err := s.connections.Events(r.Context(), id, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handlePublishSignal offers a signal to the targets of every running
// connection.
func (s *Server) handlePublishSignal(w http.ResponseWriter, r *http.Request) {
	var sig signal.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if sig.Topic == "" || sig.EntityID.IsZero() {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "topic and entityId are required")
		return
	}
	if _, ok := sig.CorrelationID(); !ok {
		if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
			sig.Headers = sig.Headers.WithCorrelationID(id)
		}
	}

	n := s.connections.Publish(sig)
	writeJSON(w, http.StatusAccepted, PublishResponse{Connections: n})
}
