package generic

import (
	"bytes"
	"sync"
)

// Pool is a typed sync.Pool. Values are reset before they go back.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

func NewPool[T any](generate func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
		reset: reset,
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		p.reset(value)
	}
	p.pool.Put(value)
}

// maxPooledBuffer keeps one huge snapshot from pinning its buffer forever.
const maxPooledBuffer = 4 << 20

// BufferPool hands out reset *bytes.Buffer values.
type BufferPool struct {
	pool *Pool[*bytes.Buffer]
}

func NewBufferPool() *BufferPool {
	return &BufferPool{pool: NewPool(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) { b.Reset() },
	)}
}

func (p *BufferPool) Get() *bytes.Buffer { return p.pool.Get() }

func (p *BufferPool) Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledBuffer {
		return
	}
	p.pool.Put(b)
}
