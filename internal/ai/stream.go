package ai

import (
	"context"
	"strings"
)

// StreamProvider is an optional interface. Providers may implement streaming chat.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Collect drains a stream into one reply, calling onChunk (if set) for every chunk.
func Collect(chunks <-chan string, errs <-chan error, onChunk func(string)) (string, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
		if onChunk != nil {
			onChunk(c)
		}
	}
	// errs is closed after chunks; at most one error is sent
	if err := <-errs; err != nil {
		return "", err
	}
	return b.String(), nil
}
