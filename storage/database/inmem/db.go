package inmemdb

import (
	"sync"
	"time"

	"github.com/trezcool/mwalimu/core/session"
)

type (
	// DB is an in-memory store. A single lock guards every table so multi-table writes are atomic.
	DB struct {
		mutex    sync.RWMutex
		sessions map[string]*session.Session
		scores   map[string]*session.Scores
		feedback map[string]*session.Feedback
		activity []Activity
	}

	// Activity mirrors a system_activity row.
	Activity struct {
		UserID    string
		Action    string
		Details   map[string]interface{}
		CreatedAt time.Time
	}
)

func Open() *DB {
	return &DB{
		sessions: make(map[string]*session.Session),
		scores:   make(map[string]*session.Scores),
		feedback: make(map[string]*session.Feedback),
	}
}

// Activity returns a copy of the recorded activity.
func (db *DB) Activity() []Activity {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	out := make([]Activity, len(db.activity))
	copy(out, db.activity)
	return out
}

// Counts returns the number of stored sessions, scores and feedback rows.
func (db *DB) Counts() (sessions, scores, feedback int) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.sessions), len(db.scores), len(db.feedback)
}
