// Package seslog writes the per-session logs.jsonl file. Each live session
// gets one append-only JSON-lines sink, kept open until the session is
// closed or reaped.
package seslog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wholehead/axon/internal/sessionfs"
)

// Logger multiplexes log writes across per-session files.
type Logger struct {
	fs  *sessionfs.Store
	log *zap.Logger

	mu    sync.Mutex
	sinks map[string]*sink
}

type sink struct {
	file *os.File
	log  *zap.Logger
}

// New returns a Logger writing under the given session store. Failures to
// open or write a session file are reported on log and otherwise dropped;
// session logging never fails a job.
func New(fs *sessionfs.Store, log *zap.Logger) *Logger {
	return &Logger{fs: fs, log: log, sinks: make(map[string]*sink)}
}

// Session log lines use INFO / ERROR / EVENT. zap's level set is fixed, so
// warn is repurposed as the event level on this core only.
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == zapcore.WarnLevel {
		enc.AppendString("EVENT")
		return
	}
	enc.AppendString(l.CapitalString())
}

func encodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

func (l *Logger) sink(sid string) (*sink, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sinks[sid]; ok {
		return s, true
	}
	f, err := os.OpenFile(l.fs.LogPath(sid), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("session log unavailable", zap.String("session", sid), zap.Error(err))
		return nil, false
	}
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		MessageKey:  "message",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeTime:  encodeTime,
		EncodeLevel: encodeLevel,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(f), zapcore.InfoLevel)
	s := &sink{file: f, log: zap.New(core)}
	l.sinks[sid] = s
	return s, true
}

func (l *Logger) write(sid string, level zapcore.Level, msg string, extra map[string]any) {
	s, ok := l.sink(sid)
	if !ok {
		return
	}
	var fields []zap.Field
	if len(extra) > 0 {
		fields = append(fields, zap.Any("extra", extra))
	}
	switch level {
	case zapcore.ErrorLevel:
		s.log.Error(msg, fields...)
	case zapcore.WarnLevel:
		s.log.Warn(msg, fields...)
	default:
		s.log.Info(msg, fields...)
	}
}

// Info appends an INFO line to the session log.
func (l *Logger) Info(sid, msg string, extra map[string]any) {
	l.write(sid, zapcore.InfoLevel, msg, extra)
}

// Error appends an ERROR line to the session log.
func (l *Logger) Error(sid, msg string, extra map[string]any) {
	l.write(sid, zapcore.ErrorLevel, msg, extra)
}

// Event mirrors a published event into the session log at the EVENT level.
// The event tag is the message; the full payload rides in extra.
func (l *Logger) Event(sid, tag string, payload map[string]any) {
	l.write(sid, zapcore.WarnLevel, tag, payload)
}

// Close flushes and closes one session's sink.
func (l *Logger) Close(sid string) {
	l.mu.Lock()
	s, ok := l.sinks[sid]
	delete(l.sinks, sid)
	l.mu.Unlock()
	if ok {
		_ = s.log.Sync()
		_ = s.file.Close()
	}
}

// CloseAll closes every open sink, for shutdown.
func (l *Logger) CloseAll() {
	l.mu.Lock()
	sinks := l.sinks
	l.sinks = make(map[string]*sink)
	l.mu.Unlock()
	for _, s := range sinks {
		_ = s.log.Sync()
		_ = s.file.Close()
	}
}
