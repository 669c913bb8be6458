package ring

import (
    "hash/crc32"
    "sort"
    "strconv"
    "sync"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
)

// Ring is a consistent hash ring mapping application keys to cluster members.
// It is kept in lockstep with the replicated membership view: the FSM adds
// and removes nodes as membership commands apply, so shard placement follows
// the committed member set rather than the gossip view.
type Ring struct {
    mu       sync.RWMutex
    replicas int
    hashes   []uint32
    nodes    map[uint32]consensus.NodeID
    members  map[consensus.NodeID]struct{}
}

// New constructs a ring with the given number of virtual nodes per member.
// replicas <= 0 selects a default of 64.
func New(replicas int) *Ring {
    if replicas <= 0 {
        replicas = 64
    }
    return &Ring{
        replicas: replicas,
        nodes:    make(map[uint32]consensus.NodeID),
        members:  make(map[consensus.NodeID]struct{}),
    }
}

func (r *Ring) hash(key string) uint32 { return crc32.ChecksumIEEE([]byte(key)) }

// Add places id on the ring. Adding an existing member is a no-op.
func (r *Ring) Add(id consensus.NodeID) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if _, ok := r.members[id]; ok {
        return
    }
    r.members[id] = struct{}{}
    for i := 0; i < r.replicas; i++ {
        h := r.hash(string(id) + "#" + strconv.Itoa(i))
        r.hashes = append(r.hashes, h)
        r.nodes[h] = id
    }
    sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
}

// Remove takes id off the ring. Removing an unknown member is a no-op.
func (r *Ring) Remove(id consensus.NodeID) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if _, ok := r.members[id]; !ok {
        return
    }
    delete(r.members, id)
    kept := r.hashes[:0]
    for _, h := range r.hashes {
        if r.nodes[h] == id {
            delete(r.nodes, h)
            continue
        }
        kept = append(kept, h)
    }
    r.hashes = kept
}

// Locate returns the member owning key. ok is false on an empty ring.
func (r *Ring) Locate(key string) (consensus.NodeID, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    if len(r.hashes) == 0 {
        return "", false
    }
    h := r.hash(key)
    i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
    if i == len(r.hashes) {
        i = 0
    }
    return r.nodes[r.hashes[i]], true
}

// Members returns the members currently on the ring in stable order.
func (r *Ring) Members() []consensus.NodeID {
    r.mu.RLock()
    out := make([]consensus.NodeID, 0, len(r.members))
    for id := range r.members {
        out = append(out, id)
    }
    r.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// Len returns the number of members on the ring.
func (r *Ring) Len() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.members)
}
