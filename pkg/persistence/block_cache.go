package persistence

import (
	"sync"
	"sync/atomic"
)

type blockKey struct {
	table uint64
	block uint32
}

// BlockCache is an LRU of decoded blocks shared by every SSTable of a keyspace.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheItem struct {
	key   blockKey
	value *block
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates a cache holding up to capacity blocks.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{
		capacity: max(capacity, 1),
		items:    make(map[blockKey]*cacheItem),
	}
}

func (bc *BlockCache) Get(key blockKey) (*block, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) Set(key blockKey, value *block) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// EvictTable drops every cached block of a deleted table.
func (bc *BlockCache) EvictTable(table uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.table == table {
			bc.unlink(item)
			delete(bc.items, key)
		}
	}
}

// Stats returns hit and miss counters since creation.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	return bc.hits.Load(), bc.misses.Load()
}

func (bc *BlockCache) Len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else if bc.head == item {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else if bc.tail == item {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head

	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item

	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
