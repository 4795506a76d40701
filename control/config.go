// Package control holds the engine's ambient stack: immutable per-
// connection configuration, a small hot-reloadable properties bag for
// deployment-level knobs, a logger, and Prometheus-backed metrics.
//
// Author: momentics <momentics@gmail.com>
package control

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/netloop/wsclient/api"
)

// Target is the resolved destination of a connect attempt.
type Target struct {
	Scheme string // "ws" or "wss"
	Host   string
	Port   int
	Path   string // path + query, defaults to "/"
}

// HostPort renders host:port for dialing.
func (t Target) HostPort() string {
	return t.Host + ":" + strconv.Itoa(t.Port)
}

// ParseTarget validates and resolves urlStr: scheme must be ws or wss,
// default ports 80/443, path defaults to "/". Go's net/url does the
// actual parsing — this function is the thin adapter, not a URL grammar
// of its own.
func ParseTarget(urlStr string) (Target, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", api.NewError(api.ErrCodeUrlInvalid, "malformed URL"), err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return Target{}, api.NewError(api.ErrCodeUrlInvalid, "scheme must be ws or wss").WithContext("scheme", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, api.NewError(api.ErrCodeUrlInvalid, "missing host")
	}
	port := 80
	if u.Scheme == "wss" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Target{}, api.NewError(api.ErrCodeUrlInvalid, "invalid port").WithContext("port", p)
		}
		port = n
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return Target{Scheme: u.Scheme, Host: host, Port: port, Path: path}, nil
}

// Options configures an engine, in the style of highlevel.Options /
// highlevel.DefaultOptions. Construct via NewConnectionConfig's functional
// options; once built, a ConnectionConfig is immutable.
type Options struct {
	KeepaliveMs          int // 0 disables keepalive
	KeepaliveMaxAttempts int
	ExtraHeaders         http.Header
	SSLVerify            api.TLSVerifyMode
	ConnectTimeout       time.Duration
	Protocols            []string

	// DialerOptions is an opaque pass-through bag for transport-socket
	// options the concrete Dialer understands; the engine never
	// interprets it.
	DialerOptions any
}

// DefaultOptions returns the engine's documented defaults: keepalive
// disabled, 3 max keepalive attempts, peer TLS verification, a 6s connect
// timeout.
func DefaultOptions() Options {
	return Options{
		KeepaliveMs:          0,
		KeepaliveMaxAttempts: 3,
		ExtraHeaders:         make(http.Header),
		SSLVerify:            api.TLSVerifyPeer,
		ConnectTimeout:       6 * time.Second,
	}
}

// Option mutates an Options being built.
type Option func(*Options)

// WithKeepalive arms a keepalive ping every ms milliseconds.
func WithKeepalive(ms int) Option { return func(o *Options) { o.KeepaliveMs = ms } }

// WithKeepaliveMaxAttempts overrides the default of 3.
func WithKeepaliveMaxAttempts(n int) Option { return func(o *Options) { o.KeepaliveMaxAttempts = n } }

// WithExtraHeader adds (or overrides, last-wins) a request header.
func WithExtraHeader(key, value string) Option {
	return func(o *Options) {
		if o.ExtraHeaders == nil {
			o.ExtraHeaders = make(http.Header)
		}
		o.ExtraHeaders.Set(key, value)
	}
}

// WithSSLVerify selects the TLS verification mode for wss targets.
func WithSSLVerify(mode api.TLSVerifyMode) Option { return func(o *Options) { o.SSLVerify = mode } }

// WithConnectTimeout overrides the default 6s connect bound.
func WithConnectTimeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }

// WithProtocols advertises Sec-WebSocket-Protocol candidates.
func WithProtocols(protocols ...string) Option {
	return func(o *Options) { o.Protocols = append([]string(nil), protocols...) }
}

// WithDialerOptions stashes an opaque options value for the Dialer.
func WithDialerOptions(v any) Option { return func(o *Options) { o.DialerOptions = v } }

// ConnectionConfig is built once at engine creation and never mutated
// thereafter.
type ConnectionConfig struct {
	Target  Target
	Options Options
}

// NewConnectionConfig resolves urlStr and applies opts over the defaults.
func NewConnectionConfig(urlStr string, opts ...Option) (*ConnectionConfig, error) {
	target, err := ParseTarget(urlStr)
	if err != nil {
		return nil, err
	}
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ConnectionConfig{Target: target, Options: o}, nil
}

// ConfigStore is a thread-safe, dynamically-updatable properties bag for
// deployment-level knobs that may change between connect attempts without
// tearing down the engine (e.g. TLS verify mode) — grounded on the donor's
// control/config.go, which this keeps the structure of.
type ConfigStore struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners []func()
}

// NewConfigStore returns an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{values: make(map[string]any)}
}

// Snapshot returns a copy of the current values.
func (cs *ConfigStore) Snapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.values))
	for k, v := range cs.values {
		out[k] = v
	}
	return out
}

// Get returns a single value and whether it was present.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.values[key]
	return v, ok
}

// Set merges newValues and notifies listeners registered via OnReload.
// Listeners run synchronously in Set's caller goroutine so the engine can
// rely on the new values being visible by the time Set returns.
func (cs *ConfigStore) Set(newValues map[string]any) {
	cs.mu.Lock()
	for k, v := range newValues {
		cs.values[k] = v
	}
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnReload registers a hook invoked whenever Set is called. The engine
// registers one to re-read the "ssl_verify" key and apply it to the next
// connect attempt, without tearing down and reconstructing the engine.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
