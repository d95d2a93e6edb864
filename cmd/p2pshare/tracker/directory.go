package tracker

import (
	"fmt"
	"sync"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/message"
)

// Directory is the tracker's bidirectional index between peers and the files
// they offer. Both maps are guarded by one lock, so every operation is atomic
// with respect to the others and callers never observe one side updated
// without the other.
type Directory struct {
	mu          sync.RWMutex
	filesByPeer map[string]message.Set
	peersByFile map[string]message.Set
}

func NewDirectory() *Directory {
	return &Directory{
		filesByPeer: make(map[string]message.Set),
		peersByFile: make(map[string]message.Set),
	}
}

// Join records files as the complete offer of peer, replacing whatever the
// peer offered before.
func (d *Directory) Join(peer string, files []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unlinkLocked(peer)
	offered := message.NewSet(files...)
	d.filesByPeer[peer] = offered
	for file := range offered {
		d.linkLocked(peer, file)
	}
}

// Search returns the peers offering file. The result is a copy and is empty,
// never nil, when nobody offers it.
func (d *Directory) Search(file string) message.Set {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peers, ok := d.peersByFile[file]
	if !ok {
		return message.NewSet()
	}
	return peers.Clone()
}

// Update adds a single file to peer's offer, creating the peer entry if needed.
func (d *Directory) Update(peer, file string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	files, ok := d.filesByPeer[peer]
	if !ok {
		files = message.NewSet()
		d.filesByPeer[peer] = files
	}
	files.Add(file)
	d.linkLocked(peer, file)
}

// Leave forgets peer and every file association it had. It reports whether
// the peer was known.
func (d *Directory) Leave(peer string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, known := d.filesByPeer[peer]
	d.unlinkLocked(peer)
	delete(d.filesByPeer, peer)
	return known
}

// FilesOf returns a copy of the files peer offers.
func (d *Directory) FilesOf(peer string) (message.Set, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	files, ok := d.filesByPeer[peer]
	if !ok {
		return nil, false
	}
	return files.Clone(), true
}

// Size returns the number of known peers and indexed files.
func (d *Directory) Size() (peers, files int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.filesByPeer), len(d.peersByFile)
}

// Check verifies that both maps mirror each other and that no file entry is
// left empty.
func (d *Directory) Check() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for peer, files := range d.filesByPeer {
		for file := range files {
			if !d.peersByFile[file].Has(peer) {
				return fmt.Errorf("peer %s offers %s but is missing from its peer set", peer, file)
			}
		}
	}
	for file, peers := range d.peersByFile {
		if len(peers) == 0 {
			return fmt.Errorf("file %s has an empty peer set", file)
		}
		for peer := range peers {
			if !d.filesByPeer[peer].Has(file) {
				return fmt.Errorf("file %s lists peer %s which does not offer it", file, peer)
			}
		}
	}
	return nil
}

func (d *Directory) linkLocked(peer, file string) {
	peers, ok := d.peersByFile[file]
	if !ok {
		peers = message.NewSet()
		d.peersByFile[file] = peers
	}
	peers.Add(peer)
}

// unlinkLocked removes peer from the peer set of every file it offers,
// pruning file entries that become empty. filesByPeer is left untouched.
func (d *Directory) unlinkLocked(peer string) {
	for file := range d.filesByPeer[peer] {
		peers := d.peersByFile[file]
		peers.Remove(peer)
		if len(peers) == 0 {
			delete(d.peersByFile, file)
		}
	}
}
