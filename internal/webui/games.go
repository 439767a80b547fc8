package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crosswars/go-client/internal/battle"
	"github.com/crosswars/go-client/internal/game"
	"github.com/crosswars/go-client/internal/room"
	"github.com/crosswars/go-client/internal/solo"
)

func roomTopic(id string) string   { return "room:" + id }
func battleTopic(id string) string { return "battle:" + id }

const soloTopic = "solo"

func isInputError(err error) bool {
	return errors.Is(err, errBadJSON) ||
		errors.Is(err, game.ErrBlockedCell) ||
		errors.Is(err, game.ErrOutOfRange) ||
		errors.Is(err, game.ErrBadLetter)
}

type cellReq struct {
	Row   int    `json:"row"`
	Col   int    `json:"col"`
	Value string `json:"value"`
}

// pump forwards a game's snapshots to its SSE topic until stop closes.
func pump[T any](hub *Broadcaster, topic string, updates <-chan T, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case snap := <-updates:
			data, err := json.Marshal(snap)
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("encode snapshot")
				continue
			}
			hub.Broadcast(topic, data)
		}
	}
}

// startPump registers a stop for topic's pump. Callers hold s.mu.
func (s *Server) startPump(topic string) <-chan struct{} {
	ctx, stop := context.WithCancel(s.ctx)
	s.pumps[topic] = stop
	return ctx.Done()
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// ------------------------------- ROOMS -------------------------------------

func (s *Server) lookupRoom(id string) *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[id]
}

func (s *Server) ensureRoom(id string) *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[id]; ok {
		return rm
	}
	rm := room.New(id, s.deps.Rooms, s.roomOpts...)
	s.rooms[id] = rm
	go pump(s.hub, roomTopic(id), rm.Updates(), s.startPump(roomTopic(id)))
	return rm
}

// handleRoomStart opens (or reloads) the waiting room for a battle.
func (s *Server) handleRoomStart(w http.ResponseWriter, r *http.Request) {
	rm := s.ensureRoom(chi.URLParam(r, "id"))
	if err := rm.Start(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm.Snapshot())
}

func (s *Server) handleRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	rm := s.lookupRoom(chi.URLParam(r, "id"))
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not open")
		return
	}
	writeJSON(w, http.StatusOK, rm.Snapshot())
}

func (s *Server) handleRoomReady(w http.ResponseWriter, r *http.Request) {
	rm := s.lookupRoom(chi.URLParam(r, "id"))
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not open")
		return
	}
	if err := rm.Ready(r.Context()); err != nil {
		if errors.Is(err, room.ErrNotLoaded) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm.Snapshot())
}

func (s *Server) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rm := s.lookupRoom(id)
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not open")
		return
	}
	s.hub.Serve(w, r, roomTopic(id), mustJSON(rm.Snapshot()))
}

// ------------------------------ BATTLES ------------------------------------

func (s *Server) lookupBattle(id string) *battle.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battles[id]
}

// openBattle returns the live session for id, opening one if needed. Two
// racing opens keep the first stored session.
func (s *Server) openBattle(ctx context.Context, id string) (*battle.Session, error) {
	if b := s.lookupBattle(id); b != nil {
		return b, nil
	}
	b, err := battle.Open(ctx, id, s.deps.Battles, s.battleOpts...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if prev, ok := s.battles[id]; ok {
		s.mu.Unlock()
		_ = b.Close()
		return prev, nil
	}
	s.battles[id] = b
	stop := s.startPump(battleTopic(id))
	s.mu.Unlock()
	go pump(s.hub, battleTopic(id), b.Updates(), stop)
	return b, nil
}

func (s *Server) handleBattleOpen(w http.ResponseWriter, r *http.Request) {
	b, err := s.openBattle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

// withBattle runs fn against an open battle, answering 404 when none is open.
func (s *Server) withBattle(w http.ResponseWriter, r *http.Request, fn func(b *battle.Session) error) {
	b := s.lookupBattle(chi.URLParam(r, "id"))
	if b == nil {
		writeError(w, http.StatusNotFound, "battle not open")
		return
	}
	if err := fn(b); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (s *Server) handleBattleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withBattle(w, r, func(*battle.Session) error { return nil })
}

func (s *Server) handleBattleSelect(w http.ResponseWriter, r *http.Request) {
	s.withBattle(w, r, func(b *battle.Session) error {
		var req cellReq
		if err := decode(r, &req); err != nil {
			return err
		}
		return b.Select(req.Row, req.Col)
	})
}

func (s *Server) handleBattleInput(w http.ResponseWriter, r *http.Request) {
	s.withBattle(w, r, func(b *battle.Session) error {
		var req cellReq
		if err := decode(r, &req); err != nil {
			return err
		}
		return b.Input(req.Row, req.Col, req.Value)
	})
}

func (s *Server) handleBattleResolve(w http.ResponseWriter, r *http.Request) {
	s.withBattle(w, r, func(b *battle.Session) error { return b.ResolveOutcome(r.Context()) })
}

func (s *Server) handleBattleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b := s.lookupBattle(id)
	if b == nil {
		writeError(w, http.StatusNotFound, "battle not open")
		return
	}
	s.hub.Serve(w, r, battleTopic(id), mustJSON(b.Snapshot()))
}

// ------------------------------- SOLO --------------------------------------

type soloReq struct {
	Generate bool   `json:"generate"`
	Theme    string `json:"theme"`
}

type soloGame struct {
	session *solo.Session
	stop    context.CancelFunc
}

func (s *Server) currentSolo() *solo.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.solo == nil {
		return nil
	}
	return s.solo.session
}

// handleSoloStart starts a new solo game, replacing any current one.
func (s *Server) handleSoloStart(w http.ResponseWriter, r *http.Request) {
	var req soloReq
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	var opts []solo.Option
	if req.Generate || req.Theme != "" {
		opts = append(opts, solo.Generate(req.Theme))
	}
	sg, err := solo.Start(r.Context(), s.deps.Solo, opts...)
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx, stop := context.WithCancel(s.ctx)
	s.mu.Lock()
	prev := s.solo
	s.solo = &soloGame{session: sg, stop: stop}
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
		_ = prev.session.Close()
	}
	go pump(s.hub, soloTopic, sg.Updates(), ctx.Done())
	writeJSON(w, http.StatusCreated, sg.Snapshot())
}

func (s *Server) withSolo(w http.ResponseWriter, r *http.Request, fn func(sg *solo.Session) error) {
	sg := s.currentSolo()
	if sg == nil {
		writeError(w, http.StatusNotFound, "no solo game")
		return
	}
	if err := fn(sg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg.Snapshot())
}

func (s *Server) handleSoloSnapshot(w http.ResponseWriter, r *http.Request) {
	s.withSolo(w, r, func(*solo.Session) error { return nil })
}

func (s *Server) handleSoloSelect(w http.ResponseWriter, r *http.Request) {
	s.withSolo(w, r, func(sg *solo.Session) error {
		var req cellReq
		if err := decode(r, &req); err != nil {
			return err
		}
		return sg.Select(req.Row, req.Col)
	})
}

func (s *Server) handleSoloInput(w http.ResponseWriter, r *http.Request) {
	s.withSolo(w, r, func(sg *solo.Session) error {
		var req cellReq
		if err := decode(r, &req); err != nil {
			return err
		}
		return sg.Input(req.Row, req.Col, req.Value)
	})
}

func (s *Server) handleSoloEvents(w http.ResponseWriter, r *http.Request) {
	sg := s.currentSolo()
	if sg == nil {
		writeError(w, http.StatusNotFound, "no solo game")
		return
	}
	s.hub.Serve(w, r, soloTopic, mustJSON(sg.Snapshot()))
}
