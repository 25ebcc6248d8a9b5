package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	logx "humanity/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Validator is an extra check installed by the app, run after Validate and
// before a reloaded config is committed.
type Validator func(ctx context.Context, cfg *Config) error

// Manager holds the active config. Reload and Watch replace it when the file
// changes and the new content validates; subscribers get every committed
// reload.
type Manager struct {
	path string

	mu          sync.RWMutex
	cfg         *Config
	fingerprint [sha256.Size]byte

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	log       logx.Logger
	validator Validator
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *Manager) SetValidator(fn Validator) { m.validator = fn }

// Parse reads and decodes the file. Nothing is committed.
func (m *Manager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseBytes(m.path, data)
}

// Load is the startup path: parse, Validate, commit. The extra validator is
// not consulted; the app runs it itself before components exist.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg the active config without notifying subscribers.
func (m *Manager) Commit(cfg *Config) {
	fp := fingerprintOf(cfg)
	m.mu.Lock()
	m.cfg, m.fingerprint = cfg, fp
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. It reports true when a changed, valid config was
// committed and published; an unchanged file is not an error.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}

	fp := fingerprintOf(cfg)
	m.mu.RLock()
	same := m.cfg != nil && fp == m.fingerprint
	m.mu.RUnlock()
	if same {
		m.log.Debug("config content unchanged", logx.String("path", m.path))
		return false, nil
	}

	if err := Validate(cfg); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config committed", logx.String("path", m.path), logx.String("fingerprint", fmt.Sprintf("%x", fp[:6])))
	return true, nil
}

// Subscribe returns a channel that receives every committed reload. When
// the subscriber falls behind, older pending configs are discarded so the
// latest one is always delivered.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

func (m *Manager) publish(cfg *Config) {
	// Held across sends so Unsubscribe never closes a channel mid-send.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg without blocking, evicting one stale entry when ch
// is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// fingerprintOf hashes the decoded config, so formatting-only edits and
// comment changes do not count as changes.
func fingerprintOf(cfg *Config) [sha256.Size]byte {
	b, err := json.Marshal(cfg)
	if err != nil {
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(b)
}
