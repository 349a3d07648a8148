// Package initializer acquires the credentials a session needs before
// signaling starts: an optional access token, then optional relay
// credentials, then the consolidated values.
package initializer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"peerlink/native/internal/config"
	"peerlink/native/internal/domain"
	"peerlink/native/internal/loop"
)

// State is the acquisition state.
type State int

const (
	None State = iota
	Authenticating
	FetchingRelayCredentials
	Initialized
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Authenticating:
		return "authenticating"
	case FetchingRelayCredentials:
		return "fetching-relay-credentials"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// AuthProvider obtains an access token. A returned error means the request
// was not issued and done will not be called.
type AuthProvider interface {
	Authenticate(done func(domain.AuthResult)) error
}

// RelayProvider obtains relay credentials using an access token.
type RelayProvider interface {
	RequestCredentials(token string, done func(domain.RelayCredentials)) error
}

// ErrFailed is wrapped by the error Wait returns when acquisition stops
// short of Initialized.
var ErrFailed = errors.New("credential acquisition failed")

// Initializer runs the acquisition once. Provider completions must arrive
// on exec.
type Initializer struct {
	exec  loop.Executor
	bag   *config.Bag
	auth  AuthProvider
	relay RelayProvider
	log   logging.LeveledLogger

	onComplete func(domain.Values)
	onError    func(error)

	state    State
	started  bool
	token    string
	username string
	password string

	mu     sync.Mutex
	done   chan struct{}
	values domain.Values
	err    error
}

// Option configures an Initializer.
type Option func(*Initializer)

// WithAuthProvider sets the provider used when the bag has an
// authentication section.
func WithAuthProvider(p AuthProvider) Option {
	return func(i *Initializer) { i.auth = p }
}

// WithRelayProvider sets the provider used when the bag names a relay
// credential provider.
func WithRelayProvider(p RelayProvider) Option {
	return func(i *Initializer) { i.relay = p }
}

// OnError registers a callback for acquisition failures.
func OnError(fn func(error)) Option {
	return func(i *Initializer) { i.onError = fn }
}

// New creates an Initializer. onComplete is called exactly once, on exec,
// when the values are ready; it may be nil.
func New(exec loop.Executor, bag *config.Bag, onComplete func(domain.Values), log logging.LeveledLogger, opts ...Option) *Initializer {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("initializer")
	}
	i := &Initializer{
		exec:       exec,
		bag:        bag,
		log:        log,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run starts acquisition on the executor.
func (i *Initializer) Run() {
	i.exec.Post(i.run)
}

// Wait blocks until acquisition finishes or ctx ends.
func (i *Initializer) Wait(ctx context.Context) (domain.Values, error) {
	select {
	case <-i.done:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.values, i.err
	case <-ctx.Done():
		return domain.Values{}, ctx.Err()
	}
}

func (i *Initializer) run() {
	if i.started {
		i.log.Debugf("run ignored in state %s", i.state)
		return
	}
	i.started = true

	if !i.bag.HasAuthentication() || i.auth == nil {
		// relay credentials need a token, so both steps are skipped
		i.state = Initialized
		i.initialized()
		return
	}

	i.state = Authenticating
	if err := i.auth.Authenticate(i.onAuthenticated); err != nil {
		i.fail(fmt.Errorf("authentication request could not be issued: %w", err))
	}
}

func (i *Initializer) onAuthenticated(res domain.AuthResult) {
	if i.state != Authenticating {
		return
	}
	if res.Err != nil {
		i.fail(fmt.Errorf("authentication request failed: %w", res.Err))
		return
	}
	i.token = res.AccessToken

	if !i.bag.HasRelayProvider() || i.relay == nil {
		i.state = Initialized
		i.initialized()
		return
	}

	i.state = FetchingRelayCredentials
	if err := i.relay.RequestCredentials(i.token, i.onRelayCredentials); err != nil {
		i.fail(fmt.Errorf("relay credential request could not be issued: %w", err))
	}
}

func (i *Initializer) onRelayCredentials(res domain.RelayCredentials) {
	if i.state != FetchingRelayCredentials {
		return
	}
	if res.Err != nil {
		i.fail(fmt.Errorf("relay credential request failed: %w", res.Err))
		return
	}
	i.username = res.Username
	i.password = res.Password

	i.state = Initialized
	i.initialized()
}

func (i *Initializer) initialized() {
	values := domain.Values{
		ServerAddress:       i.bag.Server,
		ServerPort:          i.bag.Port,
		HeartbeatIntervalMs: i.bag.Heartbeat,
		AccessToken:         i.token,
		TurnUsername:        i.username,
		TurnPassword:        i.password,
	}
	i.log.Infof("initialized: server %s:%d, token %t, relay %t",
		values.ServerAddress, values.ServerPort, values.AccessToken != "", values.TurnUsername != "")

	if i.onComplete != nil {
		i.onComplete(values)
	}
	i.release(values, nil)
}

// fail resets to None. The run is over; nothing retries.
func (i *Initializer) fail(err error) {
	i.state = None
	i.log.Errorf("%v", err)
	if i.onError != nil {
		i.onError(err)
	}
	i.release(domain.Values{}, fmt.Errorf("%w: %w", ErrFailed, err))
}

func (i *Initializer) release(values domain.Values, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.done:
		return
	default:
	}
	i.values, i.err = values, err
	close(i.done)
}

// State returns the current state. It must be called on the executor.
func (i *Initializer) State() State {
	return i.state
}
