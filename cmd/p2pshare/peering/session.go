package peering

import (
	"sync"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
)

// Session is the peer-local state shared by the user-facing operations and
// the download goroutines.
type Session struct {
	mu        sync.Mutex
	offered   message.Set
	lastFile  string
	lastPeers message.Set
	searched  bool
	sharing   bool
}

func NewSession() *Session {
	return &Session{offered: message.NewSet()}
}

func (s *Session) SetOffered(files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offered = message.NewSet(files...)
}

func (s *Session) Offer(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offered.Add(file)
}

func (s *Session) Offered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offered.Sorted()
}

// RecordSearch remembers the outcome of the latest successful SEARCH.
func (s *Session) RecordSearch(file string, peers message.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFile = file
	s.lastPeers = peers.Clone()
	s.searched = true
}

// LastSearch returns the latest searched file and a copy of its peer set.
func (s *Session) LastSearch() (string, message.Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.searched {
		return "", nil, false
	}
	return s.lastFile, s.lastPeers.Clone(), true
}

func (s *Session) SetSharing(sharing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharing = sharing
}

func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}
