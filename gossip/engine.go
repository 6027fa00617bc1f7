package gossip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/meshpost/chunker"
	"github.com/user/meshpost/codec"
	"github.com/user/meshpost/config"
	"github.com/user/meshpost/logger"
	"github.com/user/meshpost/transport"
)

// ErrCannotFrame is returned when a message cannot fit the radio's payload
// bound even after compression and chunking. This is a caller problem (the
// payload must shrink), not a network condition, so it surfaces loudly.
var ErrCannotFrame = errors.New("message cannot be framed within the payload bound")

// QueueStats is a health snapshot; monitoring only, not protocol state.
type QueueStats struct {
	QueueLength      int  `json:"queueLength"`
	InFlight         bool `json:"inFlight"`
	LocalPostCount   int  `json:"localPostCount"`
	SeenMessageCount int  `json:"seenMessageCount"`
	KnownPeerCount   int  `json:"knownPeerCount"`
}

// Engine owns all gossip state for one node: the local post set, the
// seen-message history, the peer table and the send queue. External
// callers marshal through its methods; nothing mutates the maps directly.
// Construct one per node with NewEngine, then Start and eventually Stop.
type Engine struct {
	cfg    *config.Config
	nodeID string
	tr     transport.Transport

	mu       sync.Mutex
	posts    map[string]Post
	seen     map[string]struct{}
	lastTS   int64
	inFlight bool
	timers   map[*time.Timer]struct{}

	peers *peerTable
	queue *sendQueue
	reasm *chunker.Reassembler

	limiter *rate.Limiter
	notify  chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewEngine creates an engine for nodeID over the given transport. A nil
// config uses the defaults.
func NewEngine(nodeID string, cfg *config.Config, tr transport.Transport) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if delay := cfg.InterSendDelay.Std(); delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &Engine{
		cfg:     cfg,
		nodeID:  nodeID,
		tr:      tr,
		posts:   make(map[string]Post),
		seen:    make(map[string]struct{}),
		timers:  make(map[*time.Timer]struct{}),
		peers:   newPeerTable(),
		queue:   newSendQueue(),
		reasm:   chunker.NewReassembler(cfg.ReassemblyTimeout.Std(), cfg.SweepInterval.Std()),
		limiter: limiter,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (e *Engine) logPrefix() string {
	if len(e.nodeID) > 8 {
		return e.nodeID[:8]
	}
	return e.nodeID
}

// Start registers for transport events, brings the radio up and launches
// the queue drain loop and the reassembly sweep.
func (e *Engine) Start() error {
	e.tr.SetEvents(transport.Events{
		OnPayloadReceived: e.onPayloadReceived,
		OnEndpointFound:   e.onEndpointFound,
		OnEndpointLost:    e.onEndpointLost,
	})

	if err := e.tr.StartAdvertising(e.cfg.DisplayName); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	if err := e.tr.StartDiscovery(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	e.reasm.Start()

	e.wg.Add(1)
	go e.drainLoop()
	e.notifyDrain()

	logger.Info(e.logPrefix(), "gossip engine started as %q", e.cfg.DisplayName)
	return nil
}

// Stop shuts the engine down: the drain loop finishes its in-flight send,
// pending retry timers are cancelled, the sweep stops and the transport
// callbacks are unregistered. Idempotent.
func (e *Engine) Stop() {
	e.once.Do(func() {
		close(e.done)
		e.cancel()
	})

	e.wg.Wait()

	e.mu.Lock()
	for timer := range e.timers {
		timer.Stop()
	}
	e.timers = make(map[*time.Timer]struct{})
	e.mu.Unlock()

	e.reasm.Stop()
	e.tr.SetEvents(transport.Events{})
	e.tr.StopAll()

	logger.Info(e.logPrefix(), "gossip engine stopped")
}

// nextTimestamp returns a strictly increasing origination timestamp so two
// local messages of the same type never collide on identity.
func (e *Engine) nextTimestamp() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= e.lastTS {
		now = e.lastTS + 1
	}
	e.lastTS = now
	return now
}

// markSeenLocked records a message identity. Past the threshold the whole
// set is cleared rather than evicted entry by entry; a cleared id can be
// processed again, which the post-set merge absorbs.
func (e *Engine) markSeenLocked(id string) {
	if len(e.seen) >= e.cfg.SeenClearThreshold {
		logger.Debug(e.logPrefix(), "seen-message history hit %d entries, clearing", len(e.seen))
		e.seen = make(map[string]struct{})
	}
	e.seen[id] = struct{}{}
}

func (e *Engine) notifyDrain() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) enqueue(msg *Message, priority Priority, retries int) {
	e.queue.push(msg, priority, retries)
	e.notifyDrain()
}

// AddLocalPost validates and stores a locally created post, then enqueues
// a single-post broadcast at the post's priority.
func (e *Engine) AddLocalPost(post Post) error {
	if err := ValidatePost(post); err != nil {
		return err
	}

	msg := &Message{
		Type:      TypePostUpdate,
		Posts:     []Post{post},
		HopCount:  0,
		Timestamp: e.nextTimestamp(),
		SenderID:  e.nodeID,
	}

	e.mu.Lock()
	e.posts[post.ID] = post
	e.markSeenLocked(msg.Identity())
	e.mu.Unlock()

	e.enqueue(msg, PriorityForKind(post.Kind), 0)
	logger.Info(e.logPrefix(), "added local %s post %s", post.Kind, post.ID)
	return nil
}

// BroadcastLocalPosts enqueues every locally known post as one batch,
// sorted most urgent first; the best post's class governs queue placement.
// No-op when the local set is empty.
func (e *Engine) BroadcastLocalPosts() {
	posts := e.GetLocalPosts()
	if len(posts) == 0 {
		return
	}

	sort.SliceStable(posts, func(i, j int) bool {
		if pi, pj := PriorityForKind(posts[i].Kind), PriorityForKind(posts[j].Kind); pi != pj {
			return pi < pj
		}
		return posts[i].CreatedAt < posts[j].CreatedAt
	})

	msg := &Message{
		Type:      TypePostList,
		Posts:     posts,
		HopCount:  0,
		Timestamp: e.nextTimestamp(),
		SenderID:  e.nodeID,
	}

	e.mu.Lock()
	e.markSeenLocked(msg.Identity())
	e.mu.Unlock()

	e.enqueue(msg, PriorityForMessage(msg), 0)
	logger.Debug(e.logPrefix(), "queued batch broadcast of %d posts", len(posts))
}

// ReceiveMessage processes an inbound envelope: hop-limit check, dedup,
// per-post validation, merge, peer bookkeeping and hop-incremented
// rebroadcast when anything new arrived. Returns exactly the newly added
// posts.
func (e *Engine) ReceiveMessage(msg *Message, fromPeer string) []Post {
	prefix := e.logPrefix()
	if msg == nil {
		return nil
	}

	if msg.HopCount >= e.cfg.MaxHops {
		logger.Debug(prefix, "dropping message from %s at hop limit %d", fromPeer, msg.HopCount)
		return nil
	}

	identity := msg.Identity()
	e.mu.Lock()
	if _, dup := e.seen[identity]; dup {
		e.mu.Unlock()
		logger.Trace(prefix, "duplicate message %s from %s", identity, fromPeer)
		return nil
	}
	e.markSeenLocked(identity)
	e.mu.Unlock()

	// Invalid posts are discarded individually; the batch survives.
	valid := make([]Post, 0, len(msg.Posts))
	for _, p := range msg.Posts {
		if err := ValidatePost(p); err != nil {
			logger.Warn(prefix, "discarding invalid post from %s: %v", fromPeer, err)
			continue
		}
		valid = append(valid, p)
	}

	var newPosts []Post
	e.mu.Lock()
	for _, p := range valid {
		if _, known := e.posts[p.ID]; known {
			continue
		}
		e.posts[p.ID] = p
		newPosts = append(newPosts, p)
	}
	e.mu.Unlock()

	e.peers.markReceipt(fromPeer)

	if len(newPosts) > 0 {
		forward := &Message{
			Type:      msg.Type,
			Posts:     valid,
			AckData:   msg.AckData,
			HopCount:  msg.HopCount + 1,
			Timestamp: msg.Timestamp,
			SenderID:  msg.SenderID,
		}
		e.enqueue(forward, PriorityForMessage(forward), 0)
		logger.Debug(prefix, "merged %d new posts from %s, forwarding at hop %d",
			len(newPosts), fromPeer, forward.HopCount)
	}

	return newPosts
}

// HandlePartitionHeal resyncs with a peer whose connection was restored.
// Nodes reunited after a network split reconverge through a full local
// broadcast instead of waiting for the next organic post.
func (e *Engine) HandlePartitionHeal(peerID string) {
	logger.Info(e.logPrefix(), "partition heal with %s, rebroadcasting local posts", peerID)
	e.peers.markConnected(peerID)
	e.BroadcastLocalPosts()
}

// GetLocalPosts returns a copy of the local post set.
func (e *Engine) GetLocalPosts() []Post {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Post, 0, len(e.posts))
	for _, p := range e.posts {
		out = append(out, p)
	}
	return out
}

// PeerStatuses returns a copy of every known peer's sync status.
func (e *Engine) PeerStatuses() []PeerStatus {
	return e.peers.snapshot()
}

// QueueStats returns a health snapshot.
func (e *Engine) QueueStats() QueueStats {
	e.mu.Lock()
	seenCount := len(e.seen)
	postCount := len(e.posts)
	inFlight := e.inFlight
	e.mu.Unlock()

	return QueueStats{
		QueueLength:      e.queue.len(),
		InFlight:         inFlight,
		LocalPostCount:   postCount,
		SeenMessageCount: seenCount,
		KnownPeerCount:   e.peers.count(),
	}
}

// drainLoop pops the most urgent entry and sends it, pacing between sends
// so inbound event handling is never starved. A failed send schedules a
// decoupled retry timer; the loop itself never blocks on backoff.
func (e *Engine) drainLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}

		for {
			entry := e.queue.pop()
			if entry == nil {
				break
			}

			if err := e.limiter.Wait(e.ctx); err != nil {
				return
			}

			e.mu.Lock()
			e.inFlight = true
			e.mu.Unlock()

			err := e.sendMessage(entry.msg)

			e.mu.Lock()
			e.inFlight = false
			e.mu.Unlock()

			if err != nil {
				if errors.Is(err, ErrCannotFrame) {
					logger.Error(e.logPrefix(), "dropping unframeable %s message: %v", entry.msg.Type, err)
				} else {
					e.scheduleRetry(entry, err)
				}
			}

			select {
			case <-e.done:
				return
			default:
			}
		}
	}
}

// scheduleRetry re-enqueues a failed send after the next backoff delay, or
// drops the message once the ladder is exhausted. Drops are logged, never
// escalated.
func (e *Engine) scheduleRetry(entry *queueEntry, cause error) {
	prefix := e.logPrefix()

	if entry.retries >= len(e.cfg.RetryBackoff) {
		logger.Warn(prefix, "dropping %s message after %d failed attempts: %v",
			entry.msg.Type, entry.retries+1, cause)
		return
	}

	delay := e.cfg.RetryBackoff[entry.retries].Std()
	logger.Debug(prefix, "send failed (%v), retry %d/%d in %v",
		cause, entry.retries+1, len(e.cfg.RetryBackoff), delay)

	e.mu.Lock()
	defer e.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		select {
		case <-e.done:
			return
		default:
		}

		// Re-enqueue before releasing the timer so observers never see
		// the message as neither queued nor scheduled.
		e.queue.push(entry.msg, entry.priority, entry.retries+1)
		e.notifyDrain()

		e.mu.Lock()
		delete(e.timers, timer)
		e.mu.Unlock()
	})
	e.timers[timer] = struct{}{}
}

// sendMessage encodes, compresses when over budget, chunks when still over
// budget, and hands the result to the transport.
func (e *Engine) sendMessage(msg *Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	if codec.Size(payload) > e.cfg.MaxPayloadBytes {
		compressed, err := codec.Compress(payload)
		if err != nil {
			return fmt.Errorf("failed to compress message: %w", err)
		}
		logger.Trace(e.logPrefix(), "compressed %d -> %d bytes", codec.Size(payload), codec.Size(compressed))
		payload = compressed
	}

	if codec.Size(payload) <= e.cfg.MaxPayloadBytes {
		return e.tr.BroadcastPayload(payload)
	}

	chunks, err := chunker.Split(payload, e.cfg.MaxPayloadBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotFrame, err)
	}

	logger.Debug(e.logPrefix(), "sending %s message as %d chunks", msg.Type, len(chunks))
	for _, c := range chunks {
		encoded, err := c.Encode()
		if err != nil {
			return err
		}
		if err := e.tr.BroadcastPayload(encoded); err != nil {
			return fmt.Errorf("chunk %d/%d failed: %w", c.Index+1, c.TotalChunks, err)
		}
		if err := e.limiter.Wait(e.ctx); err != nil {
			return err
		}
	}
	return nil
}

// onPayloadReceived classifies an inbound payload (chunk frame or direct
// envelope), reassembles and decompresses as needed, and dispatches the
// message. Every failure path is drop-with-log; nothing propagates.
func (e *Engine) onPayloadReceived(peerID, payload string) {
	prefix := e.logPrefix()

	if chunker.IsChunk(payload) {
		c, err := chunker.Decode(payload)
		if err != nil {
			logger.Warn(prefix, "dropping malformed chunk from %s: %v", peerID, err)
			return
		}

		message, complete, err := e.reasm.AddChunk(c)
		if err != nil {
			logger.Warn(prefix, "dropping chunked message from %s: %v", peerID, err)
			return
		}
		if !complete {
			logger.Trace(prefix, "buffered chunk %d/%d of %s from %s",
				c.Index+1, c.TotalChunks, c.MessageID, peerID)
			return
		}
		payload = message
	}

	msg, err := decodePayload(payload)
	if err != nil {
		logger.Warn(prefix, "dropping undecodable payload from %s: %v", peerID, err)
		return
	}

	e.ReceiveMessage(msg, peerID)
}

// decodePayload attempts the payload as a direct JSON envelope first;
// compression is a sender-side optimization, transparent here.
func decodePayload(payload string) (*Message, error) {
	if msg, err := DecodeMessage(payload); err == nil {
		return msg, nil
	}

	text, err := codec.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is neither an envelope nor compressed data: %w", err)
	}
	return DecodeMessage(text)
}

func (e *Engine) onEndpointFound(peerID, name string) {
	logger.Info(e.logPrefix(), "endpoint found: %s (%q)", peerID, name)

	if wasKnown := e.peers.markConnected(peerID); wasKnown {
		e.HandlePartitionHeal(peerID)
	}
}

func (e *Engine) onEndpointLost(peerID string) {
	logger.Info(e.logPrefix(), "endpoint lost: %s", peerID)
	e.peers.markDisconnected(peerID)
}
