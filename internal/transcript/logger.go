// Package transcript writes an opt-in, PII-redacted log of conversation turns.
package transcript

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

type conversationLog struct {
	file   *os.File
	logger zerolog.Logger
}

// Logger writes one JSON line per turn. With a directory every conversation gets
// its own file; without one, lines go to the base logger.
type Logger struct {
	dir  string
	base zerolog.Logger

	mu   sync.Mutex
	logs map[string]*conversationLog
}

func NewLogger(dir string, base zerolog.Logger) *Logger {
	return &Logger{
		dir:  dir,
		base: base.With().Str("component", "transcript").Logger(),
		logs: make(map[string]*conversationLog),
	}
}

// Log records a redacted turn. Failures to open the conversation file fall back to
// the base logger.
func (l *Logger) Log(conversationID, role, content string) {
	redacted, changed := RedactPII(content)
	target := l.base
	if l.dir != "" {
		cl, err := l.open(conversationID)
		if err != nil {
			l.base.Warn().Err(err).Str("conversation_id", conversationID).Msg("open transcript file")
		} else {
			target = cl.logger
		}
	}
	target.Info().
		Str("conversation_id", conversationID).
		Str("role", role).
		Bool("pii_redacted", changed).
		Str("content", redacted).
		Msg("turn")
}

// Close releases the conversation's file, if any.
func (l *Logger) Close(conversationID string) {
	l.mu.Lock()
	cl, ok := l.logs[conversationID]
	delete(l.logs, conversationID)
	l.mu.Unlock()
	if ok {
		_ = cl.file.Close()
	}
}

// OpenFiles reports how many conversation files are currently held open.
func (l *Logger) OpenFiles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs)
}

func (l *Logger) CloseAll() {
	l.mu.Lock()
	logs := l.logs
	l.logs = make(map[string]*conversationLog)
	l.mu.Unlock()
	for _, cl := range logs {
		_ = cl.file.Close()
	}
}

func (l *Logger) open(conversationID string) (*conversationLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cl, ok := l.logs[conversationID]; ok {
		return cl, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create transcript dir")
	}
	path := filepath.Join(l.dir, FileName(conversationID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	cl := &conversationLog{file: f, logger: zerolog.New(f).With().Timestamp().Logger()}
	l.logs[conversationID] = cl
	return cl, nil
}

// FileName maps a conversation id to a safe file name.
func FileName(conversationID string) string {
	name := unsafeName.ReplaceAllString(conversationID, "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return name + ".log"
}
