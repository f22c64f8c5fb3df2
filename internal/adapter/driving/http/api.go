package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const defaultHistoryLimit = 50

// CallController is the set of user intents the presentation layer can issue.
type CallController interface {
	Place(ctx context.Context, remote domain.UserID, kind domain.CallKind) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	Retry(ctx context.Context) error
	Reset()
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	View() domain.CallView
	Subscribe() (<-chan domain.CallView, func())
}

// API is the local presentation boundary of the call client.
type API struct {
	Local   domain.UserID
	Calls   CallController
	History port.CallRecordRepository
	Devices port.MediaDevices
}

func NewAPI(local domain.UserID, calls CallController, history port.CallRecordRepository, devices port.MediaDevices) *API {
	return &API{
		Local:   local,
		Calls:   calls,
		History: history,
		Devices: devices,
	}
}

func (a *API) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/call", func(r chi.Router) {
		r.Get("/", a.getCall)
		r.Post("/", a.placeCall)
		r.Post("/accept", a.action(a.Calls.Accept))
		r.Post("/reject", a.action(a.Calls.Reject))
		r.Post("/end", a.action(a.Calls.End))
		r.Post("/retry", a.action(a.Calls.Retry))
		r.Post("/reset", a.action(func(context.Context) error {
			a.Calls.Reset()
			return nil
		}))
		r.Post("/mute", a.action(func(context.Context) error {
			_, err := a.Calls.ToggleMute()
			return err
		}))
		r.Post("/video", a.action(func(context.Context) error {
			_, err := a.Calls.ToggleVideo()
			return err
		}))
		r.Get("/history", a.getHistory)
		r.Get("/history/{id}", a.getRecord)
		r.Get("/events", a.serveEvents)
	})
	r.Get("/devices/output", a.getOutputDevices)

	return r
}

type placeRequest struct {
	RemoteID string `json:"remote_id"`
	Kind     string `json:"kind"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) getCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Calls.View())
}

func (a *API) placeCall(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	kind := domain.CallKind(req.Kind)
	if kind == "" {
		kind = domain.CallAudio
	}
	if err := a.Calls.Place(r.Context(), domain.UserID(req.RemoteID), kind); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.Calls.View())
}

func (a *API) action(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.Calls.View())
	}
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := a.History.List(r.Context(), a.Local, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.CallRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.History.Get(r.Context(), a.Local, domain.RecordID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) getOutputDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.Devices.OutputDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// serveEvents streams every CallView change over a websocket.
func (a *API) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}
	defer conn.Close()

	views, cancel := a.Calls.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case v, ok := <-views:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(v); err != nil {
				log.Debug().Err(err).Msg("Event stream closed")
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSelfCall), errors.Is(err, domain.ErrInvalidCallKind):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNoPendingCall),
		errors.Is(err, domain.ErrNothingToRetry):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Writing response")
	}
}
