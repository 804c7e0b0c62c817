package telegram

import "sync"

// UserState is the conversation state of a user
type UserState struct {
	State string
	// payment view message, edited when the payment changes
	ChatID    int64
	MessageID int
}

// StateManager tracks what the bot expects from each user
type StateManager struct {
	mu     sync.RWMutex
	states map[int64]*UserState
}

func NewStateManager() *StateManager {
	return &StateManager{
		states: make(map[int64]*UserState),
	}
}

// SetState sets the expected input and keeps the tracked payment message
func (sm *StateManager) SetState(userID int64, state string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.states[userID]
	if !ok {
		st = &UserState{}
		sm.states[userID] = st
	}
	st.State = state
}

// TrackMessage records the message showing the user's payment
func (sm *StateManager) TrackMessage(userID, chatID int64, messageID int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.states[userID]
	if !ok {
		st = &UserState{}
		sm.states[userID] = st
	}
	st.ChatID = chatID
	st.MessageID = messageID
}

// Get returns a copy of the user's state
func (sm *StateManager) Get(userID int64) (UserState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	st, ok := sm.states[userID]
	if !ok {
		return UserState{}, false
	}
	return *st, true
}

func (sm *StateManager) Clear(userID int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.states, userID)
}

const (
	StateIdle     = ""
	StateWaitHash = "wait_hash"
)
