package syncgroup

import "sync"

// Group 是 sync.WaitGroup 的薄包装：Go() 自动配对 Add/Done，
// 避免并发批量请求里漏写 Done() 导致的永久阻塞。
type Group struct {
	wg sync.WaitGroup
}

func New() *Group {
	return &Group{}
}

// Go 启动一个受管 goroutine
func (g *Group) Go(fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait 等待所有已启动的 goroutine 结束
func (g *Group) Wait() {
	g.wg.Wait()
}
