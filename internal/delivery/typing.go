package delivery

import (
	"sync"
	"time"
)

// typingIdleTimeout is how long after the last keystroke the "stopped
// typing" signal goes out.
const typingIdleTimeout = 1500 * time.Millisecond

// TypingNotifier debounces outbound typing signals per chat: the first
// keystroke sends typing=true immediately, further keystrokes only push the
// idle deadline, and typing=false goes out after the idle timeout or when
// the message is sent.
type TypingNotifier struct {
	send func(chatID string, isTyping bool)
	idle time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTypingNotifier(send func(chatID string, isTyping bool)) *TypingNotifier {
	return &TypingNotifier{
		send:   send,
		idle:   typingIdleTimeout,
		timers: make(map[string]*time.Timer),
	}
}

// Input records a keystroke in the chat's composer.
func (n *TypingNotifier) Input(chatID string) {
	n.mu.Lock()
	timer, active := n.timers[chatID]
	if active {
		timer.Reset(n.idle)
		n.mu.Unlock()
		return
	}
	n.timers[chatID] = time.AfterFunc(n.idle, func() { n.stop(chatID) })
	n.mu.Unlock()

	n.send(chatID, true)
}

// MessageSent ends the typing session immediately, on send.
func (n *TypingNotifier) MessageSent(chatID string) {
	n.mu.Lock()
	timer, active := n.timers[chatID]
	if active {
		timer.Stop()
	}
	n.mu.Unlock()
	if active {
		n.stop(chatID)
	}
}

// Close ends every active typing session.
func (n *TypingNotifier) Close() {
	n.mu.Lock()
	chats := make([]string, 0, len(n.timers))
	for chatID, timer := range n.timers {
		timer.Stop()
		chats = append(chats, chatID)
	}
	n.mu.Unlock()
	for _, chatID := range chats {
		n.stop(chatID)
	}
}

func (n *TypingNotifier) stop(chatID string) {
	n.mu.Lock()
	_, active := n.timers[chatID]
	delete(n.timers, chatID)
	n.mu.Unlock()
	if active {
		n.send(chatID, false)
	}
}
