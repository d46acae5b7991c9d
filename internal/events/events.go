// Package events is the signed per-session event fan-out. Producers push
// HMAC-signed envelopes onto a session's buffer in shared state; one stream
// per client drains the buffer, injects heartbeats while quiet, and closes
// after a terminal event.
package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/state"
)

// Event is the payload clients consume. Progress uses -1 for failures and is
// omitted on untracked events such as queued or job_complete.
type Event struct {
	Event    string  `json:"event"`
	Progress int     `json:"progress,omitempty"`
	Model    string  `json:"model,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Error    string  `json:"error,omitempty"`
	TS       float64 `json:"ts,omitempty"`
}

// Progress builds a progress event for one model.
func Progress(tag, model string, pct int) Event {
	return Event{Event: tag, Model: model, Progress: pct}
}

// Failure builds a failure event; detail carries the failure kind.
func Failure(tag, model, kind, msg string) Event {
	return Event{Event: tag, Model: model, Progress: -1, Detail: kind, Error: msg}
}

// AsMap renders the event the way it appears on the wire, for mirroring
// into session logs.
func (e Event) AsMap() map[string]any {
	m := map[string]any{"event": e.Event}
	if e.Progress != 0 {
		m["progress"] = e.Progress
	}
	if e.Model != "" {
		m["model"] = e.Model
	}
	if e.Detail != "" {
		m["detail"] = e.Detail
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	if e.TS != 0 {
		m["ts"] = e.TS
	}
	return m
}

// Envelope is the signed wire form: the canonical event object plus the
// hex HMAC-SHA256 over its canonical serialization.
type Envelope struct {
	Event json.RawMessage `json:"event"`
	Sig   string          `json:"sig"`
}

// Tag returns the event tag inside the envelope.
func (env Envelope) Tag() string {
	var t struct {
		Event string `json:"event"`
	}
	_ = json.Unmarshal(env.Event, &t)
	return t.Event
}

// Terminals builds a terminal-tag set for Stream.
func Terminals(tags ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}

// Terminal sets for the three stream flavors.
var (
	JobTerminals     = Terminals("job_complete", "job_failed")
	RoastTerminals   = Terminals("roast_complete", "roast_error")
	SimnibsTerminals = Terminals("simnibs_complete", "simnibs_error")
)

const (
	bufferTTL    = time.Hour
	defaultPoll  = time.Second
	defaultQuiet = 5 * time.Second
)

// Bus publishes and streams signed events through shared state.
type Bus struct {
	st     state.State
	keys   state.Keys
	secret []byte
	clk    ident.Clock
	log    *zap.Logger
	met    *metrics.Set
	mirror func(sid string, ev Event)

	poll  time.Duration
	quiet time.Duration
}

// Option adjusts bus behavior, mostly for tests.
type Option func(*Bus)

// WithClock substitutes the clock used for heartbeat timing.
func WithClock(clk ident.Clock) Option {
	return func(b *Bus) { b.clk = clk }
}

// WithTimings overrides the poll and quiet windows. The poll value is a
// blocking-pop timeout and is floored to one second by the backend.
func WithTimings(poll, quiet time.Duration) Option {
	return func(b *Bus) { b.poll, b.quiet = poll, quiet }
}

// WithMirror registers a hook invoked for every published event, used to
// copy events into the session log.
func WithMirror(fn func(sid string, ev Event)) Option {
	return func(b *Bus) { b.mirror = fn }
}

// NewBus builds a bus signing with the given shared secret.
func NewBus(st state.State, keys state.Keys, secret string, log *zap.Logger, met *metrics.Set, opts ...Option) *Bus {
	b := &Bus{
		st:     st,
		keys:   keys,
		secret: []byte(secret),
		clk:    ident.SystemClock(),
		log:    log,
		met:    met,
		poll:   defaultPoll,
		quiet:  defaultQuiet,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// canonicalJSON re-marshals v through a map so keys come out sorted. The
// signature is computed over exactly these bytes.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (b *Bus) sign(canonical []byte) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the envelope signature. Envelopes that fail are dropped
// by streams before reaching any client.
func (b *Bus) Verify(env Envelope) bool {
	canon, err := canonicalJSON(env.Event)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(env.Sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(canon)
	return hmac.Equal(mac.Sum(nil), want)
}

func (b *Bus) envelope(ev Event) (Envelope, []byte, error) {
	canon, err := canonicalJSON(ev)
	if err != nil {
		return Envelope{}, nil, err
	}
	env := Envelope{Event: canon, Sig: b.sign(canon)}
	raw, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, raw, nil
}

// Publish signs ev and appends it to the session's event buffer. Publish
// never fails the caller: shared-state errors are logged and counted.
func (b *Bus) Publish(ctx context.Context, sid string, ev Event) {
	_, raw, err := b.envelope(ev)
	if err != nil {
		b.log.Error("event encode failed", zap.String("session", sid), zap.Error(err))
		b.met.EventPublishFailures.Inc()
		return
	}
	key := b.keys.EventBuffer(sid)
	if err := b.st.RPush(ctx, key, string(raw)); err != nil {
		b.log.Warn("event publish dropped", zap.String("session", sid), zap.String("event", ev.Event), zap.Error(err))
		b.met.EventPublishFailures.Inc()
		return
	}
	_ = b.st.Expire(ctx, key, bufferTTL)
	b.met.EventsPublished.Inc()
	if b.mirror != nil {
		b.mirror(sid, ev)
	}
}

// Stream drains the session's event buffer into a channel. Heartbeats are
// injected after quiet periods; when a terminal tag passes through, a final
// stream_end envelope is emitted and the channel closes. The channel also
// closes on context cancellation or when shared state becomes unavailable.
func (b *Bus) Stream(ctx context.Context, sid string, terminals map[string]struct{}) <-chan Envelope {
	ch := make(chan Envelope, 16)
	go b.streamLoop(ctx, sid, terminals, ch)
	return ch
}

func (b *Bus) streamLoop(ctx context.Context, sid string, terminals map[string]struct{}, ch chan<- Envelope) {
	defer close(ch)
	b.met.StreamsActive.Inc()
	defer b.met.StreamsActive.Dec()

	key := b.keys.EventBuffer(sid)
	last := b.clk.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := b.st.BLPop(ctx, b.poll, key)
		if errors.Is(err, state.ErrMiss) {
			if b.clk.Now().Sub(last) >= b.quiet {
				hb := Event{Event: "heartbeat", TS: float64(b.clk.Now().UnixNano()) / float64(time.Second)}
				env, _, err := b.envelope(hb)
				if err != nil {
					continue
				}
				if !b.send(ctx, ch, env) {
					return
				}
				b.met.Heartbeats.Inc()
				last = b.clk.Now()
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warn("event stream read failed", zap.String("session", sid), zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.log.Warn("malformed envelope dropped", zap.String("session", sid), zap.Error(err))
			continue
		}
		if !b.Verify(env) {
			b.log.Warn("envelope with bad signature dropped", zap.String("session", sid))
			continue
		}
		if !b.send(ctx, ch, env) {
			return
		}
		last = b.clk.Now()

		if _, terminal := terminals[env.Tag()]; terminal {
			if endEnv, _, err := b.envelope(Event{Event: "stream_end"}); err == nil {
				b.send(ctx, ch, endEnv)
			}
			return
		}
	}
}

func (b *Bus) send(ctx context.Context, ch chan<- Envelope, env Envelope) bool {
	select {
	case ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}
