package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	Banner = "VidMeet backend is running"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	LookupRoom(code string) (*model.Room, error)
}

type RoomResponse struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	origin string
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
	// AllowedOrigin is sent in Access-Control-Allow-Origin, "*" when empty.
	AllowedOrigin string
	// Signal, when set, is served on the same listener under GET /signal.
	Signal http.Handler
}

func NewServer(cfg Config) *Server {
	origin := cfg.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
		origin: origin,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /{$}", srv.liveness)
	r.HandleFunc("GET /api/room/{code}", srv.getRoom)
	r.HandleFunc("OPTIONS /api/", srv.corsHandler)
	if cfg.Signal != nil {
		r.Handle("GET /signal", cfg.Signal)
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", srv.origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	if srv.origin != "*" {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Vary", "Origin")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", srv.origin)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writeBytes(w, http.StatusOK, []byte(Banner))
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", srv.origin)
	code := r.PathValue("code")

	room, err := srv.svc.LookupRoom(code)
	if err != nil {
		srv.logger.Debug().Err(err).Str("room", code).Msg("room lookup failed")
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "room " + code + " does not exist"})
		return
	}

	resp := RoomResponse{RoomID: room.ID, Members: make([]string, 0, len(room.Participants))}
	for id := range room.Participants {
		resp.Members = append(resp.Members, id)
	}
	writeJSON(w, http.StatusOK, &resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
