package ledger

import "sync"

// AccountLocks is a keyed mutex: one exclusive lock per account id.
// Entries are reference counted and dropped when no goroutine holds or
// waits for them.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[AccountID]*accountLock)}
}

// Lock blocks until the account's lock is held and returns its release func.
func (l *AccountLocks) Lock(id AccountID) (unlock func()) {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
