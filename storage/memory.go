package storage

import (
	"fmt"

	"github.com/anacrolix/sync"

	"github.com/rclarey/torrent/metainfo"
)

// Writes are tracked at this granularity, matching the block size used on
// the wire.
const pageSize = 1 << 14

type memoryClient struct{}

// Storage that holds all torrent data in flat in-memory buffers. Suitable
// for seeding assembled payloads and for tests.
func NewMemory() Client {
	return memoryClient{}
}

func (memoryClient) OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (Torrent, error) {
	return &memoryTorrent{
		data:  make([]byte, info.TotalLength()),
		pages: make([]bool, (info.TotalLength()+pageSize-1)/pageSize),
	}, nil
}

type memoryStartClient struct {
	data []byte
}

// Storage pre-seeded with a complete payload, for seeding.
func NewMemoryWithData(data []byte) Client {
	return memoryStartClient{data}
}

func (me memoryStartClient) OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (Torrent, error) {
	if int64(len(me.data)) != info.TotalLength() {
		return nil, fmt.Errorf("have %d bytes but torrent wants %d", len(me.data), info.TotalLength())
	}
	t := &memoryTorrent{
		data:  append([]byte(nil), me.data...),
		pages: make([]bool, (info.TotalLength()+pageSize-1)/pageSize),
	}
	for i := range t.pages {
		t.pages[i] = true
	}
	return t, nil
}

type memoryTorrent struct {
	mu    sync.RWMutex
	data  []byte
	pages []bool
}

var _ Torrent = (*memoryTorrent)(nil)

func (me *memoryTorrent) Get(offset, length int64) ([]byte, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if offset < 0 || length <= 0 || offset+length > int64(len(me.data)) {
		return nil, fmt.Errorf("read [%d, %d) outside data of length %d", offset, offset+length, len(me.data))
	}
	for p := offset / pageSize; p <= (offset+length-1)/pageSize; p++ {
		if !me.pages[p] {
			return nil, nil
		}
	}
	return append([]byte(nil), me.data[offset:offset+length]...), nil
}

// Writes must be page-aligned and cover whole pages, except at the end of
// the data, which is what the peer receive path produces.
func (me *memoryTorrent) Set(offset int64, b []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	end := offset + int64(len(b))
	if offset < 0 || end > int64(len(me.data)) {
		return fmt.Errorf("write [%d, %d) outside data of length %d", offset, end, len(me.data))
	}
	if offset%pageSize != 0 {
		return fmt.Errorf("write at %d isn't page aligned", offset)
	}
	if end%pageSize != 0 && end != int64(len(me.data)) {
		return fmt.Errorf("write ending at %d covers a partial page", end)
	}
	copy(me.data[offset:], b)
	for p := offset / pageSize; p*pageSize < end; p++ {
		me.pages[p] = true
	}
	return nil
}

func (me *memoryTorrent) Exists() bool {
	me.mu.RLock()
	defer me.mu.RUnlock()
	for _, ok := range me.pages {
		if !ok {
			return false
		}
	}
	return true
}

func (me *memoryTorrent) Close() error {
	return nil
}
