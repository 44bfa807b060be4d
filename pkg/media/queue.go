package media

import (
	"fmt"
	"sync"
)

// OverflowPolicy определяет поведение очереди при заполнении
type OverflowPolicy int

const (
	// DropOldest вытесняет самый старый кадр (очередь передачи источника)
	DropOldest OverflowPolicy = iota
	// RejectNewest отклоняет входящий кадр (очередь приема приемника)
	RejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNewest:
		return "reject_newest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// QueueConfig параметры очереди кадров
type QueueConfig struct {
	Name     string // Имя для метрик и логов ("tx", "rx")
	Capacity int    // Емкость в кадрах, фиксируется при создании
	Policy   OverflowPolicy
	Metrics  *Metrics
}

// QueueStats статистика очереди
type QueueStats struct {
	Enqueued uint64
	Dequeued uint64
	Dropped  uint64 // Вытеснено по переполнению
	Rejected uint64 // Отклонено по переполнению
	Flushed  uint64
	Depth    int
	Capacity int
}

// Queue ограниченная FIFO очередь медиакадров.
// Никогда не растет сверх емкости и не блокирует вызывающего.
// Единственная точка пересечения контекстов транспорта и обработчика,
// поэтому все операции выполняются под коротким мьютексом.
type Queue struct {
	name   string
	policy OverflowPolicy

	mu    sync.Mutex
	buf   []*Frame
	head  int
	count int
	stats QueueStats

	metrics *Metrics
}

// NewQueue создает очередь. Емкость меньше 1 приводится к 1.
func NewQueue(config QueueConfig) *Queue {
	if config.Capacity < 1 {
		config.Capacity = 1
	}
	return &Queue{
		name:    config.Name,
		policy:  config.Policy,
		buf:     make([]*Frame, config.Capacity),
		metrics: config.Metrics,
	}
}

// Enqueue добавляет кадр и возвращает глубину очереди после операции.
// При RejectNewest и полной очереди возвращает ErrQueueFull.
func (q *Queue) Enqueue(f *Frame) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		if q.policy == RejectNewest {
			q.stats.Rejected++
			q.metrics.FrameDropped(q.name, "rejected")
			return q.count, ErrQueueFull
		}
		q.popLocked()
		q.stats.Dropped++
		q.metrics.FrameDropped(q.name, "overflow")
	}

	q.buf[(q.head+q.count)%len(q.buf)] = f
	q.count++
	q.stats.Enqueued++
	q.metrics.FrameEnqueued(q.name)
	q.metrics.SetQueueDepth(q.name, q.count)
	return q.count, nil
}

// Dequeue извлекает самый старый кадр, nil если очередь пуста
func (q *Queue) Dequeue() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	f := q.popLocked()
	q.stats.Dequeued++
	q.metrics.SetQueueDepth(q.name, q.count)
	return f
}

// DropOldest вытесняет до n самых старых кадров, возвращает число вытесненных
func (q *Queue) DropOldest(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for dropped < n && q.count > 0 {
		q.popLocked()
		dropped++
	}
	if dropped > 0 {
		q.stats.Dropped += uint64(dropped)
		q.metrics.FramesDropped(q.name, "evicted", dropped)
		q.metrics.SetQueueDepth(q.name, q.count)
	}
	return dropped
}

// Flush удаляет все кадры. Сброс пустой очереди ничего не делает.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for q.count > 0 {
		q.popLocked()
	}
	q.head = 0
	if n > 0 {
		q.stats.Flushed += uint64(n)
		q.metrics.FramesDropped(q.name, "flushed", n)
	}
	q.metrics.SetQueueDepth(q.name, 0)
	return n
}

// Len текущая глубина
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap емкость очереди
func (q *Queue) Cap() int { return len(q.buf) }

// Name имя очереди
func (q *Queue) Name() string { return q.name }

// Stats возвращает копию статистики
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = q.count
	s.Capacity = len(q.buf)
	return s
}

func (q *Queue) popLocked() *Frame {
	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return f
}
