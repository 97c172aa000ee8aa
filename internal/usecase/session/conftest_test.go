package session

import (
	"context"
	"sync"
	"time"

	domses "github.com/meterlane/paygent/internal/domain/session"
)

// fakeRail implements Rail with scriptable balances and failure injection.
type fakeRail struct {
	mu           sync.Mutex
	owner        string
	balance      int64
	allowance    int64
	balanceErr   error
	allowanceErr error
	approveErr   error
	grantErr     error
	delegate     string

	approveCalls int
	grantCalls   int
}

func newFakeRail() *fakeRail {
	return &fakeRail{
		owner:    "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa",
		delegate: "0xTreasury",
	}
}

func (r *fakeRail) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

func (r *fakeRail) Balance(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance, r.balanceErr
}

func (r *fakeRail) Allowance(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowance, r.allowanceErr
}

func (r *fakeRail) Approve(_ context.Context, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approveCalls++
	if r.approveErr != nil {
		return r.approveErr
	}
	r.allowance = amount
	return nil
}

func (r *fakeRail) GrantSessionKey(_ context.Context, _ int64, _, _ time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grantCalls++
	if r.grantErr != nil {
		return "", r.grantErr
	}
	return r.delegate, nil
}

// fakeStore implements Store in memory, recording saves and exposing the
// watch callback for remote-change injection.
type fakeStore struct {
	mu        sync.Mutex
	sess      domses.Session
	owner     string
	present   bool
	saveErr   error
	saveCalls int
	watchFn   func(domses.Session, bool)
}

func newFakeStore() *fakeStore { return &fakeStore{} }

func (s *fakeStore) Save(_ context.Context, sess domses.Session, userAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	if !sess.Active(time.Now()) {
		s.present = false
		s.sess = domses.Session{}
		return nil
	}
	s.sess = sess
	s.owner = userAddress
	s.present = true
	return nil
}

func (s *fakeStore) Load(_ context.Context, userAddress string) (domses.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present || s.owner != userAddress || s.sess.Expired(time.Now()) {
		return domses.Session{}, false, nil
	}
	return s.sess, true, nil
}

func (s *fakeStore) Watch(ctx context.Context, _ string, fn func(domses.Session, bool)) error {
	s.mu.Lock()
	s.watchFn = fn
	s.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (s *fakeStore) stored() (domses.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, s.present
}
