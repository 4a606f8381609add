package memory

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/adwski/webrtc-vidmeet/backend/model"
)

const (
	// CodeAlphabet excludes visually confusable characters (I, O, 0, 1).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 10

	maxCodeAttempts = 64
)

var (
	ErrRoomNotFound       = errors.New("room is not found")
	ErrCodeSpaceExhausted = errors.New("unable to allocate unique room code")
	ErrEmptyConnID        = errors.New("empty connection id")
)

// Registry maps room codes to members and connection ids to display names.
// A connection belongs to at most one room and has at most one name.
type Registry struct {
	mx       *sync.RWMutex
	db       map[string]*model.Room
	memberOf map[string]string // connID -> code
	names    map[string]string // connID -> name

	genCode func() (string, error)
}

func NewRegistry() *Registry {
	return &Registry{
		mx:       &sync.RWMutex{},
		db:       make(map[string]*model.Room),
		memberOf: make(map[string]string),
		names:    make(map[string]string),
		genCode:  generateCode,
	}
}

func generateCode() (string, error) {
	b := make([]byte, CodeLength)
	size := big.NewInt(int64(len(CodeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b[i] = CodeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// CreateRoom allocates a code not used by any active room and inserts
// the room without members.
func (r *Registry) CreateRoom() (string, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.createLocked()
}

// CreateAndJoin allocates a room and makes p its first member in one step,
// so the room is never observable without members.
func (r *Registry) CreateAndJoin(p model.Participant) (*model.Room, error) {
	if p.ID == "" {
		return nil, ErrEmptyConnID
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	code, err := r.createLocked()
	if err != nil {
		return nil, err
	}
	return r.joinLocked(code, p), nil
}

func (r *Registry) createLocked() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := r.genCode()
		if err != nil {
			return "", errors.Join(ErrCodeSpaceExhausted, err)
		}
		if _, ok := r.db[code]; ok {
			continue
		}
		r.db[code] = &model.Room{
			ID:           code,
			Participants: make(map[string]model.Participant),
		}
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// Join adds p to the room. Unknown codes fail with ErrRoomNotFound and leave
// the registry untouched. A participant already in another room is moved.
func (r *Registry) Join(code string, p model.Participant) (*model.Room, error) {
	if p.ID == "" {
		return nil, ErrEmptyConnID
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.db[code]; !ok {
		return nil, ErrRoomNotFound
	}
	return r.joinLocked(code, p), nil
}

func (r *Registry) joinLocked(code string, p model.Participant) *model.Room {
	if prev, ok := r.memberOf[p.ID]; ok && prev != code {
		r.leaveLocked(p.ID)
	}
	r.bindLocked(p.ID, p.Name)

	room := r.db[code]
	room.Participants[p.ID] = p
	r.memberOf[p.ID] = code
	return copyRoom(room)
}

func (r *Registry) bindLocked(connID, name string) {
	if name == "" {
		delete(r.names, connID)
		return
	}
	r.names[connID] = name
}

// Leave removes the connection from its room and destroys the room if it
// became empty. It reports the room code the connection left.
func (r *Registry) Leave(connID string) (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.leaveLocked(connID)
}

func (r *Registry) leaveLocked(connID string) (string, bool) {
	code, ok := r.memberOf[connID]
	if !ok {
		return "", false
	}
	delete(r.memberOf, connID)
	if room, ok := r.db[code]; ok {
		delete(room.Participants, connID)
		if len(room.Participants) == 0 {
			delete(r.db, code)
		}
	}
	return code, true
}

// DiscardIfEmpty drops a room created by CreateRoom that nobody joined.
func (r *Registry) DiscardIfEmpty(code string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	room, ok := r.db[code]
	if !ok || len(room.Participants) > 0 {
		return false
	}
	delete(r.db, code)
	return true
}

// Unbind drops the name binding of the connection, membership is kept.
func (r *Registry) Unbind(connID string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.bindLocked(connID, "")
}

func (r *Registry) NameOf(connID string) string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.names[connID]
}

func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	code, ok := r.memberOf[connID]
	return code, ok
}

// MembersOf returns a sorted snapshot of the room's connection ids.
func (r *Registry) MembersOf(code string) []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	room, ok := r.db[code]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(room.Participants))
	for id := range room.Participants {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

func (r *Registry) GetRoom(code string) (*model.Room, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	room, ok := r.db[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func (r *Registry) Rooms() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.db)
}

func copyRoom(room *model.Room) *model.Room {
	cp := &model.Room{
		ID:           room.ID,
		Participants: make(map[string]model.Participant, len(room.Participants)),
	}
	for id, p := range room.Participants {
		cp.Participants[id] = p
	}
	return cp
}
