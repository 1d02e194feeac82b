package dataset

import (
	"image"
	"sync"
)

// canvasPool hands out square NRGBA canvases, one sync.Pool per side length
type canvasPool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool
}

func newCanvasPool() *canvasPool {
	return &canvasPool{pools: make(map[int]*sync.Pool)}
}

func (p *canvasPool) pool(side int) *sync.Pool {
	p.mu.RLock()
	pool, ok := p.pools[side]
	p.mu.RUnlock()
	if ok {
		return pool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok = p.pools[side]; ok {
		return pool
	}
	pool = &sync.Pool{
		New: func() any {
			return image.NewNRGBA(image.Rect(0, 0, side, side))
		},
	}
	p.pools[side] = pool
	return pool
}

// Get returns a side x side canvas; contents are undefined
func (p *canvasPool) Get(side int) *image.NRGBA {
	return p.pool(side).Get().(*image.NRGBA)
}

func (p *canvasPool) Put(img *image.NRGBA) {
	if img == nil {
		return
	}
	b := img.Bounds()
	if b.Dx() != b.Dy() {
		return
	}
	p.pool(b.Dx()).Put(img)
}

var canvases = newCanvasPool()
