package commands

import (
	"context"
	"fmt"
	"io"
	"sync"

	"syncshell/internal/domain"
)

// chatSubject carries the lines typed into host and accept.
const chatSubject domain.SubjectID = "chat"

// lineProvider serves the last line typed for a subject and prints what
// peers send.
type lineProvider struct {
	out io.Writer

	mu   sync.Mutex
	last map[domain.SubjectID][]byte
}

func newLineProvider(out io.Writer) *lineProvider {
	return &lineProvider{out: out, last: make(map[domain.SubjectID][]byte)}
}

func (p *lineProvider) set(subject domain.SubjectID, b []byte) {
	p.mu.Lock()
	p.last[subject] = append([]byte(nil), b...)
	p.mu.Unlock()
}

func (p *lineProvider) CurrentPayload(_ context.Context, subject domain.SubjectID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.last[subject]
	if !ok {
		return nil, fmt.Errorf("nothing to send for %s", subject)
	}
	return b, nil
}

func (p *lineProvider) PayloadReceived(e domain.PayloadEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s %s] %s\n", e.SubjectID, e.LastUpdated.Format("15:04:05"), e.Payload)
}

var _ domain.PayloadProvider = (*lineProvider)(nil)
