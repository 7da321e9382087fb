package ai

import (
	"context"
	"math"
	"sync"
)

// FakeCompleter is an in-process Completer for tests. Responses are served
// in order per call-count; once exhausted, the last response repeats.
type FakeCompleter struct {
	mu        sync.Mutex
	Responses []Completion
	calls     int
	Err       error
	OnCall    func(systemPrompt, prompt string, opts *GenerationOptions)
}

func NewFakeCompleter(responses ...Completion) *FakeCompleter {
	return &FakeCompleter{Responses: responses}
}

func (f *FakeCompleter) Complete(ctx context.Context, systemPrompt, prompt string, opts *GenerationOptions) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	f.calls++
	if f.OnCall != nil {
		f.OnCall(systemPrompt, prompt, opts)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Responses) == 0 {
		return &Completion{Text: "ok"}, nil
	}
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	resp := f.Responses[idx]
	return &resp, nil
}

// CallCount reports how many times Complete has been invoked.
func (f *FakeCompleter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeEmbedder deterministically hashes text into a fixed-width vector so
// relevance/duplicate-detection math is exercisable without a real model.
type FakeEmbedder struct {
	Dim int
}

func NewFakeEmbedder(dim int) *FakeEmbedder {
	if dim <= 0 {
		dim = 8
	}
	return &FakeEmbedder{Dim: dim}
}

func (f *FakeEmbedder) Dimension() int { return f.Dim }

func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.Dim)
	if len(text) == 0 {
		return vec, nil
	}
	for i := 0; i < f.Dim; i++ {
		var sum float32
		for j, r := range text {
			sum += float32((int(r) + i*31 + j) % 97)
		}
		vec[i] = sum
	}
	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= inv
	}
}
