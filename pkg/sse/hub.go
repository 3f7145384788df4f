package sse

// Hub 按 topic 管理 SSE 订阅者，topic 就是批任务 ID 的十进制字符串。
// register/unregister/broadcast 三个控制通道把对 topics 的全部修改
// 串行化到 Run 所在的单个 goroutine 里。
type Hub struct {
	// topic -> 订阅该 topic 的客户端 channel 集合。
	// channel 由 SSE handler 持有并负责关闭，Hub 只往里发消息。
	topics map[string]map[chan []byte]bool

	register   chan subscription
	unregister chan subscription
	broadcast  chan event
}

type subscription struct {
	ch    chan []byte
	topic string
}

type event struct {
	topic   string
	payload []byte
}

var defaultHub *Hub

// NewHub 创建 SSE Hub。broadcast 带缓冲，短时突发的推送不会阻塞发布方
func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[chan []byte]bool),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		broadcast:  make(chan event, 128),
	}
}

// SetDefaultHub 设置包级默认 hub
func SetDefaultHub(h *Hub) {
	defaultHub = h
}

// GetHub 返回默认 hub，未设置时为 nil
func GetHub() *Hub {
	return defaultHub
}

// Run 是 Hub 的事件循环，应在独立 goroutine 中运行：
//
//	hub := sse.NewHub()
//	go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]bool)
				h.topics[s.topic] = subs
			}
			subs[s.ch] = true
		case s := <-h.unregister:
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case ev := <-h.broadcast:
			for ch := range h.topics[ev.topic] {
				select {
				case ch <- ev.payload:
				default:
					// 客户端读得太慢就丢弃，不能拖住整个循环
				}
			}
		}
	}
}

// PublishTopic 把消息广播给 topic 的全部订阅者
func (h *Hub) PublishTopic(topic string, msg []byte) {
	h.broadcast <- event{topic: topic, payload: msg}
}

// Subscribe 注册订阅。调用方应传入带缓冲的 channel，并在结束时 Unsubscribe
func (h *Hub) Subscribe(ch chan []byte, topic string) {
	h.register <- subscription{ch: ch, topic: topic}
}

// Unsubscribe 取消订阅。Hub 不会关闭订阅者的 channel
func (h *Hub) Unsubscribe(ch chan []byte, topic string) {
	h.unregister <- subscription{ch: ch, topic: topic}
}
