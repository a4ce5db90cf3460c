package scheduler

import "go.uber.org/atomic"

// Token is the generation a unit of work was started in. Work commits only while its
// token is still current.
type Token uint64

// generation hands out tokens. Advancing it voids every outstanding token.
type generation struct {
	v *atomic.Uint64
}

func newGeneration() generation {
	return generation{v: atomic.NewUint64(0)}
}

func (g generation) current() Token {
	return Token(g.v.Load())
}

func (g generation) advance() Token {
	return Token(g.v.Inc())
}

func (g generation) valid(t Token) bool {
	return g.current() == t
}
