package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend with full gateway semantics:
// dedup window, retention limits, durable consumers with ack-wait
// redelivery. Used by tests and by local development without Redis,
// mirroring the production backend behind the same interface.
type MemoryBackend struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

type memStream struct {
	cfg      StreamConfig
	messages []storedMsg
	bytes    int64
	lastSeq  uint64

	dedup     map[string]time.Time // msgID -> first-seen
	consumers map[string]*memConsumer
}

type storedMsg struct {
	seq     uint64
	subject string
	msgID   string
	payload []byte
	ts      time.Time
}

type memConsumer struct {
	cfg    ConsumerConfig
	cursor uint64 // last sequence handed out as a fresh delivery

	// pending tracks unacked deliveries by sequence.
	pending map[uint64]*pendingMsg
}

type pendingMsg struct {
	deliveries  int
	redeliverAt time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: make(map[string]*memStream)}
}

// EnsureStream creates the stream or verifies the existing config matches.
func (b *MemoryBackend) EnsureStream(_ context.Context, cfg StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.streams[cfg.Name]; ok {
		if !streamConfigEqual(existing.cfg, cfg) {
			return fmt.Errorf("%w: %s", ErrConfigConflict, cfg.Name)
		}
		return nil
	}

	b.streams[cfg.Name] = &memStream{
		cfg:       cfg,
		dedup:     make(map[string]time.Time),
		consumers: make(map[string]*memConsumer),
	}
	return nil
}

// Append adds a message, enforcing the duplicate window and retention.
func (b *MemoryBackend) Append(_ context.Context, streamName, subject string, payload []byte, msgID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStreamNotFound, streamName)
	}

	now := time.Now()
	s.pruneDedup(now)

	if msgID != "" {
		if _, seen := s.dedup[msgID]; seen {
			return 0, ErrDuplicateID
		}
		s.dedup[msgID] = now
	}

	s.lastSeq++
	s.messages = append(s.messages, storedMsg{
		seq:     s.lastSeq,
		subject: subject,
		msgID:   msgID,
		payload: payload,
		ts:      now,
	})
	s.bytes += int64(len(payload))

	s.enforceRetention(now)
	return s.lastSeq, nil
}

// EnsureConsumer creates a durable consumer or verifies the existing one.
func (b *MemoryBackend) EnsureConsumer(_ context.Context, cfg ConsumerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[cfg.Stream]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, cfg.Stream)
	}

	if existing, ok := s.consumers[cfg.Name]; ok {
		if existing.cfg.FilterSubject != cfg.FilterSubject || existing.cfg.Ack != cfg.Ack {
			return fmt.Errorf("%w: consumer %s", ErrConfigConflict, cfg.Name)
		}
		return nil
	}

	c := &memConsumer{cfg: cfg, pending: make(map[uint64]*pendingMsg)}
	switch cfg.Deliver {
	case DeliverNew, DeliverLast:
		c.cursor = s.lastSeq
		if cfg.Deliver == DeliverLast && s.lastSeq > 0 {
			c.cursor = s.lastSeq - 1
		}
	}
	s.consumers[cfg.Name] = c
	return nil
}

// Fetch returns up to batch messages: expired-ack redeliveries first, then
// fresh messages past the cursor. Waits up to maxWait for the first message.
func (b *MemoryBackend) Fetch(ctx context.Context, streamName, consumer string, batch int, maxWait time.Duration) ([]Envelope, error) {
	deadline := time.Now().Add(maxWait)
	for {
		envs, err := b.fetchOnce(streamName, consumer, batch)
		if err != nil {
			return nil, err
		}
		if len(envs) > 0 || time.Now().After(deadline) {
			return envs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *MemoryBackend) fetchOnce(streamName, consumer string, batch int) ([]Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamName)
	}
	c, ok := s.consumers[consumer]
	if !ok {
		return nil, fmt.Errorf("consumer not found: %s/%s", streamName, consumer)
	}

	now := time.Now()
	var envs []Envelope

	// Redeliveries: pending entries whose ack-wait expired.
	redeliverSeqs := make([]uint64, 0, len(c.pending))
	for seq, p := range c.pending {
		if !p.redeliverAt.After(now) {
			redeliverSeqs = append(redeliverSeqs, seq)
		}
	}
	sort.Slice(redeliverSeqs, func(i, j int) bool { return redeliverSeqs[i] < redeliverSeqs[j] })

	for _, seq := range redeliverSeqs {
		if len(envs) >= batch {
			break
		}
		msg, found := s.findSeq(seq)
		if !found {
			delete(c.pending, seq) // retention removed it from under us
			continue
		}
		p := c.pending[seq]
		p.deliveries++
		p.redeliverAt = now.Add(c.cfg.AckWait)
		envs = append(envs, s.envelope(msg, p.deliveries))
	}

	// Fresh deliveries, honoring filter subject and max-ack-pending.
	for _, msg := range s.messages {
		if len(envs) >= batch || len(c.pending) >= c.cfg.MaxAckPending {
			break
		}
		if msg.seq <= c.cursor {
			continue
		}
		if c.cfg.FilterSubject != "" && !MatchSubject(c.cfg.FilterSubject, msg.subject) {
			c.cursor = msg.seq
			continue
		}
		c.cursor = msg.seq
		p := &pendingMsg{deliveries: 1, redeliverAt: now.Add(c.cfg.AckWait)}
		if c.cfg.Ack == AckNone {
			// No ack tracking: message is considered consumed on delivery.
			envs = append(envs, s.envelope(msg, 1))
			continue
		}
		c.pending[msg.seq] = p
		envs = append(envs, s.envelope(msg, 1))
	}

	return envs, nil
}

// Ack removes the message from the consumer's pending set.
func (b *MemoryBackend) Ack(_ context.Context, streamName, consumer string, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamName)
	}
	c, ok := s.consumers[consumer]
	if !ok {
		return fmt.Errorf("consumer not found: %s/%s", streamName, consumer)
	}
	delete(c.pending, env.Seq)

	if s.cfg.Retention == RetentionWorkQueue {
		s.removeSeq(env.Seq)
	}
	return nil
}

// Nak schedules an immediate redelivery.
func (b *MemoryBackend) Nak(_ context.Context, streamName, consumer string, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamName)
	}
	c, ok := s.consumers[consumer]
	if !ok {
		return fmt.Errorf("consumer not found: %s/%s", streamName, consumer)
	}
	if p, ok := c.pending[env.Seq]; ok {
		p.redeliverAt = time.Now()
	}
	return nil
}

// StreamInfo returns the stream's observable state.
func (b *MemoryBackend) StreamInfo(_ context.Context, name string) (StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[name]
	if !ok {
		return StreamInfo{}, fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	return s.info(), nil
}

// Streams lists every stream's state.
func (b *MemoryBackend) Streams(_ context.Context) ([]StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]StreamInfo, 0, len(b.streams))
	for _, s := range b.streams {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Config.Name < infos[j].Config.Name })
	return infos, nil
}

// -- memStream helpers (caller holds MemoryBackend.mu) --

func (s *memStream) info() StreamInfo {
	info := StreamInfo{
		Config:   s.cfg,
		Messages: uint64(len(s.messages)),
		Bytes:    uint64(s.bytes),
		LastSeq:  s.lastSeq,
	}
	if len(s.messages) > 0 {
		info.FirstSeq = s.messages[0].seq
	}
	return info
}

func (s *memStream) envelope(msg storedMsg, deliveries int) Envelope {
	return Envelope{
		Stream:     s.cfg.Name,
		Subject:    msg.subject,
		Seq:        msg.seq,
		MsgID:      msg.msgID,
		Payload:    msg.payload,
		Timestamp:  msg.ts,
		Deliveries: deliveries,
		AckToken:   fmt.Sprintf("%d", msg.seq),
	}
}

func (s *memStream) findSeq(seq uint64) (storedMsg, bool) {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].seq >= seq })
	if i < len(s.messages) && s.messages[i].seq == seq {
		return s.messages[i], true
	}
	return storedMsg{}, false
}

func (s *memStream) removeSeq(seq uint64) {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].seq >= seq })
	if i < len(s.messages) && s.messages[i].seq == seq {
		s.bytes -= int64(len(s.messages[i].payload))
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}
}

func (s *memStream) pruneDedup(now time.Time) {
	window := s.cfg.DuplicateWindow
	if window <= 0 {
		window = 2 * time.Minute
	}
	for id, seen := range s.dedup {
		if now.Sub(seen) > window {
			delete(s.dedup, id)
		}
	}
}

// enforceRetention trims by max-age, then max-msgs, then max-bytes —
// whichever trips first wins; limits compose.
func (s *memStream) enforceRetention(now time.Time) {
	if s.cfg.MaxAge > 0 {
		cutoff := now.Add(-s.cfg.MaxAge)
		for len(s.messages) > 0 && s.messages[0].ts.Before(cutoff) {
			s.dropOldest()
		}
	}
	if s.cfg.MaxMsgs > 0 {
		for int64(len(s.messages)) > s.cfg.MaxMsgs {
			s.dropOldest()
		}
	}
	if s.cfg.MaxBytes > 0 {
		for len(s.messages) > 0 && s.bytes > s.cfg.MaxBytes {
			s.dropOldest()
		}
	}
}

func (s *memStream) dropOldest() {
	s.bytes -= int64(len(s.messages[0].payload))
	s.messages = s.messages[1:]
}

func streamConfigEqual(a, b StreamConfig) bool {
	if a.Name != b.Name || a.MaxAge != b.MaxAge || a.MaxBytes != b.MaxBytes ||
		a.MaxMsgs != b.MaxMsgs || a.Retention != b.Retention || a.Storage != b.Storage {
		return false
	}
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return true
}

var _ Backend = (*MemoryBackend)(nil)
