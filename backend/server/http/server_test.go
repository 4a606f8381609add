package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/rs/zerolog"
)

type stubRooms map[string]*model.Room

func (s stubRooms) LookupRoom(code string) (*model.Room, error) {
	room, ok := s[code]
	if !ok {
		return nil, errors.New("room is not found")
	}
	return room, nil
}

func newTestServer(origin string) *Server {
	logger := zerolog.New(io.Discard)
	return NewServer(Config{
		Logger: &logger,
		RoomService: stubRooms{
			"ABCDEFGHJK": {ID: "ABCDEFGHJK", Participants: map[string]model.Participant{"a": {ID: "a", Name: "alice"}}},
		},
		AllowedOrigin: origin,
		Signal: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
}

func TestRoutes(t *testing.T) {
	srv := newTestServer("")

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{
			name: "liveness", method: http.MethodGet, path: "/", wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				if string(body) != Banner {
					t.Fatalf("body=%q", body)
				}
			},
		},
		{
			name: "room found", method: http.MethodGet, path: "/api/room/ABCDEFGHJK", wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp RoomResponse
				if err := json.Unmarshal(body, &resp); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if resp.RoomID != "ABCDEFGHJK" || len(resp.Members) != 1 || resp.Members[0] != "a" {
					t.Fatalf("resp=%+v", resp)
				}
			},
		},
		{
			name: "room not found", method: http.MethodGet, path: "/api/room/ZZZZZZZZZZ", wantStatus: http.StatusNotFound,
			check: func(t *testing.T, body []byte) {
				var resp GenericResponse
				_ = json.Unmarshal(body, &resp)
				if resp.Error == "" {
					t.Fatal("empty error")
				}
			},
		},
		{name: "preflight", method: http.MethodOptions, path: "/api/room/X", wantStatus: http.StatusNoContent},
		{name: "signal mounted", method: http.MethodGet, path: "/signal", wantStatus: http.StatusTeapot},
		{name: "unknown path", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestCORSOrigin(t *testing.T) {
	srv := newTestServer("https://vidmeet.example")

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/room/X", nil))
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://vidmeet.example" {
		t.Fatalf("allow origin=%q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("allow credentials=%q", got)
	}

	rec = httptest.NewRecorder()
	newTestServer("").Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("default allow origin=%q", got)
	}
}
