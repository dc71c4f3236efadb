package tensor

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// minParallelWork is the number of multiply-adds below which a kernel runs
// on the calling goroutine.
const minParallelWork = 1 << 15

type rowTask struct {
	fn     func(rs, re int)
	rs, re int
	done   chan struct{}
}

// rowPool runs row ranges of a kernel on a fixed set of goroutines. The
// goroutines start on the first call that needs them. Each caller borrows
// one done channel for the duration of its call.
type rowPool struct {
	size      int
	once      sync.Once
	started   atomic.Bool
	tasks     chan rowTask
	doneSlots chan chan struct{}
}

func newRowPool(size int) *rowPool {
	return &rowPool{size: max(size, 1)}
}

func (p *rowPool) start() {
	p.once.Do(func() {
		p.tasks = make(chan rowTask, p.size*2)
		p.doneSlots = make(chan chan struct{}, p.size)
		for range p.size {
			p.doneSlots <- make(chan struct{}, p.size)
		}
		for range p.size {
			go func() {
				for task := range p.tasks {
					task.fn(task.rs, task.re)
					task.done <- struct{}{}
				}
			}()
		}
		p.started.Store(true)
	})
}

// run splits [0, rows) into contiguous ranges and runs fn on each. Every
// row is visited exactly once, so kernels whose rows are independent give
// the same result as a serial loop. work is the estimated cost per row.
func (p *rowPool) run(rows, work int, fn func(rs, re int)) {
	if rows <= 0 {
		return
	}
	workers := min(p.size, rows)
	if workers <= 1 || rows*work < minParallelWork {
		fn(0, rows)
		return
	}
	p.start()
	chunk := (rows + workers - 1) / workers
	done := <-p.doneSlots
	sent := 0
	for rs := 0; rs < rows; rs += chunk {
		p.tasks <- rowTask{fn: fn, rs: rs, re: min(rs+chunk, rows), done: done}
		sent++
	}
	for range sent {
		<-done
	}
	p.doneSlots <- done
}

var workPool = newRowPool(runtime.GOMAXPROCS(0))

func parallelRows(rows, work int, fn func(rs, re int)) {
	workPool.run(rows, work, fn)
}
