package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	kit "agroplan/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

// FileConfig drives the rotating JSON file sink. Zero sizes and ages fall
// back to 10 MB, 3 backups and 28 days.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ChatConfig forwards events at or above MinLevel (default warn) to the
// operator chat, at most RatePerSec per second.
type ChatConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the active sinks. Apply rebuilds them in place.
type Service struct {
	mu   sync.Mutex
	file *lumberjack.Logger
	chat *chatSink

	cur atomic.Pointer[zerolog.Logger]
}

// New builds the sinks described by cfg. sender may be nil when chat
// forwarding is never enabled.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetChatTarget points chat forwarding at chatID. A zero threadID keeps the
// configured topic.
func (s *Service) SetChatTarget(chatID int64, threadID int) {
	s.chat.setTarget(chatID, threadID)
}

// Apply swaps sinks and levels. Loggers already handed out switch over with
// their next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, console(os.Stdout))
	}
	if cfg.File.Enabled {
		s.file = rotating(cfg.File)
		outs = append(outs, s.file)
	}
	if s.chat.configure(cfg.Chat) {
		outs = append(outs, s.chat)
	}
	if len(outs) == 0 {
		outs = append(outs, console(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
}

func rotating(fc FileConfig) *lumberjack.Logger {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = "./agroplan.log"
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positive(fc.MaxSizeMB, 10),
		MaxBackups: positive(fc.MaxBackups, 3),
		MaxAge:     positive(fc.MaxAgeDays, 28),
		Compress:   fc.Compress,
	}
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Close flushes the chat queue worker and closes the log file.
func (s *Service) Close() error {
	s.chat.close()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
