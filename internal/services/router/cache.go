package router

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"syncshell/internal/domain"
)

const DefaultPayloadCacheSize = 512

// PayloadCache holds the latest payload per subject. It is bounded so a peer
// cannot grow it without limit by inventing subject ids.
type PayloadCache struct {
	entries *lru.Cache[domain.SubjectID, domain.PayloadEntry]
}

func NewPayloadCache(size int) (*PayloadCache, error) {
	if size <= 0 {
		size = DefaultPayloadCacheSize
	}
	c, err := lru.New[domain.SubjectID, domain.PayloadEntry](size)
	if err != nil {
		return nil, err
	}
	return &PayloadCache{entries: c}, nil
}

// Put overwrites the entry for e's subject.
func (p *PayloadCache) Put(e domain.PayloadEntry) {
	p.entries.Add(e.SubjectID, e)
}

// Merge stores e unless the cache already holds a newer entry for the subject.
// It reports whether e was stored.
func (p *PayloadCache) Merge(e domain.PayloadEntry) bool {
	if cur, ok := p.entries.Peek(e.SubjectID); ok && cur.LastUpdated.After(e.LastUpdated) {
		return false
	}
	p.entries.Add(e.SubjectID, e)
	return true
}

func (p *PayloadCache) Get(subject domain.SubjectID) (domain.PayloadEntry, bool) {
	return p.entries.Get(subject)
}

// Entries returns all cached entries, least recently used first.
func (p *PayloadCache) Entries() []domain.PayloadEntry {
	keys := p.entries.Keys()
	out := make([]domain.PayloadEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := p.entries.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

func (p *PayloadCache) Len() int { return p.entries.Len() }
