package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	logx "agroplan/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager owns the config file: strict parsing, hot reload with a
// validation gate, and fan-out of accepted snapshots.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	hash      uint64
	validator func(ctx context.Context, cfg *Config) error

	// subMu is held while publishing so Unsubscribe never closes a channel
	// that is being sent on.
	subMu sync.Mutex
	subs  []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reload must pass before it is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(m.path), err)
	}
	return cfg, nil
}

// decode accepts JSON, or YAML when path says so. Unknown keys, a second
// document and unresolved env: secrets are errors.
func decode(path string, b []byte) (*Config, error) {
	if isYAML(path) {
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&json.RawMessage{}); {
	case err == nil:
		return nil, errors.New("trailing data after config object")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every accepted reload. A slow
// reader sees only the newest snapshots that fit in buffer.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe detaches and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	n := len(m.subs)
	m.subs = slices.DeleteFunc(m.subs, func(c chan *Config) bool { return c == ch })
	if len(m.subs) != n {
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		offer(ch, cfg)
	}
}

// offer sends cfg, evicting the oldest buffered snapshot while ch is full.
// Only publish sends, so the loop ends once a slot is freed.
func offer(ch chan *Config, cfg *Config) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Reload re-reads the file and, if its content changed and the validator
// accepts it, commits and publishes it. The bool reports a publish.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same, validate := h == m.hash, m.validator
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return false, nil
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", strconv.FormatUint(h, 16)))
	return true, nil
}
