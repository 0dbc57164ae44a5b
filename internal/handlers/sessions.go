package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
)

type startSessionRequest struct {
	Server string `json:"server"`
	Name   string `json:"name,omitempty"`
}

// StartSession opens a shell session.
func StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Server == "" {
		writeError(w, http.StatusBadRequest, "server is required")
		return
	}
	s, err := Fleet.Sessions.Start(r.Context(), req.Server, req.Name)
	if err != nil {
		writeFleetError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, s.Info())
}

// ListSessions lists open sessions, optionally for one server.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Fleet.Sessions.List(r.URL.Query().Get("server")))
}

// GetSession returns a session and its command log.
func GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := Fleet.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": s.Info(),
		"history": s.History(),
	})
}

type sendRequest struct {
	Command string `json:"command"`
	Timeout string `json:"timeout,omitempty"`
}

// SendToSession runs a command inside the session's shell.
func SendToSession(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := Fleet.Sessions.Send(r.Context(), chi.URLParam(r, "id"), req.Command, timeout)
	if err != nil {
		writeFleetError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CloseSession ends a session, or every session for id "all".
func CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := Fleet.Sessions.Close(chi.URLParam(r, "id")); err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// wsReply is written for every message received on the session socket.
type wsReply struct {
	Result interface{}   `json:"result,omitempty"`
	Error  *wsReplyError `json:"error,omitempty"`
}

type wsReplyError struct {
	Detail string        `json:"detail"`
	Kind   fleeterr.Kind `json:"kind"`
}

// SessionWS attaches a websocket to an open session. Every text message is
// sent as a command; the reply is a JSON object holding either the result
// or the error. The socket closes when the session does.
func SessionWS(w http.ResponseWriter, r *http.Request) {
	s, err := Fleet.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logging.Component("handlers").Warn().Err(err).Msg("session websocket accept failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 << 10)

	log := logging.ForServer("handlers", s.Server).With().Str("session_id", s.ID).Logger()
	log.Info().Msg("session websocket attached")
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug().Err(err).Msg("session websocket read ended")
			}
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "commands are text messages")
			return
		}

		var reply wsReply
		res, err := Fleet.Sessions.Send(ctx, s.ID, string(data), 0)
		if err != nil {
			reply.Error = &wsReplyError{Detail: err.Error(), Kind: fleeterr.KindOf(err)}
		} else {
			reply.Result = res
		}
		payload, _ := json.Marshal(reply)
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = conn.Write(wctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
		if s.Closed() {
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
	}
}
