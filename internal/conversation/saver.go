package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/memory"
)

// saveQueueSize bounds the number of completed turns waiting to be stored.
const saveQueueSize = 32

// saver persists completed exchanges on a single background worker so that
// memory writes keep turn order and never block the conversation.
type saver struct {
	store   memory.Store
	userID  string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan []memory.Message
	done   chan struct{}
}

func newSaver(store memory.Store, userID string, timeout time.Duration, logger *slog.Logger) *saver {
	s := &saver{
		store:   store,
		userID:  userID,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan []memory.Message, saveQueueSize),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// enqueue schedules messages for storage. It never blocks; when the queue is
// full or the saver is closed the exchange is dropped and false is returned.
func (s *saver) enqueue(messages []memory.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- messages:
		return true
	default:
		s.logger.Warn("conversation: save queue full, dropping exchange")
		return false
	}
}

// close stops accepting exchanges and waits until the queued ones have been
// attempted.
func (s *saver) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *saver) loop() {
	defer close(s.done)
	for messages := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.store.Add(ctx, s.userID, messages); err != nil {
			s.logger.Warn("conversation: saving exchange", "err", err)
		}
		cancel()
	}
}
