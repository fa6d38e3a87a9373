package sigchan

// Chan 非阻塞信号 channel：只通知"有事发生"，不传数据。
// 多次 Emit 会被合并（channel 满时丢弃），等待方醒来后自行检查状态。
type Chan struct {
	c chan struct{}
}

func New(buffer int) *Chan {
	if buffer <= 0 {
		buffer = 1
	}
	return &Chan{c: make(chan struct{}, buffer)}
}

// Emit 发送信号，永不阻塞
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回底层 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}
