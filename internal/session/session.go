// Package session mirrors one user's interaction with a mediagrab server:
// probing a URL, running a single download at a time and following its
// progress stream. It is the state machine behind the CLI's action key.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mediagrab/internal/client/mediagrab"
	"github.com/mediagrab/internal/executor"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/internal/progress"
	"github.com/mediagrab/pkg/logger"
)

// State of a session.
type State string

const (
	StateIdle         State = "idle"
	StateFetchingInfo State = "fetching_info"
	StateReady        State = "ready"
	StateDownloading  State = "downloading"
	StateTerminal     State = "terminal"
)

// Outcome of a finished download.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailure        Outcome = "failure"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeConnectionLost Outcome = "connection_lost"
)

const (
	msgConnectionLost = "connection lost"
	msgCancelled      = "download cancelled"
	cancelTimeout     = 10 * time.Second
)

// ErrBusy is returned when an action needs the download slot while a
// download is already running.
var ErrBusy = errors.New("a download is already in progress")

// EventStream is an open progress subscription.
type EventStream interface {
	Next() (progress.Event, error)
	Close() error
}

// API is the server surface a session drives.
type API interface {
	Probe(ctx context.Context, rawURL, cookies string) (*executor.MediaInfo, error)
	CreateJob(ctx context.Context, req jobs.Request) (string, error)
	CancelJob(ctx context.Context, id string) (string, error)
	Subscribe(ctx context.Context, id string) (EventStream, error)
}

// CredentialSource returns the credential blob to attach to the next
// request. It is read at action time, never cached.
type CredentialSource func() string

// NoCredentials is a CredentialSource that never supplies cookies.
func NoCredentials() string { return "" }

// View is a snapshot of the session.
type View struct {
	State State
	URL   string
	Info  *executor.MediaInfo

	JobID    string
	Stage    string
	Progress int
	Outcome  Outcome
	Result   string // artifact reference on success
	Message  string // last error or notice
}

// CanStart reports whether the start action is available.
func (v View) CanStart() bool { return v.State != StateDownloading }

// Session is safe for concurrent use. Listeners run synchronously in
// mutation order and must not call session actions.
type Session struct {
	api   API
	creds CredentialSource

	emitMu sync.Mutex // serialises mutations with their notifications
	mu     sync.Mutex
	view   View

	starting     bool
	gen          uint64
	stream       EventStream
	cancelStream context.CancelFunc
	listeners    []func(View)

	wg sync.WaitGroup
}

// New creates an idle session.
func New(api API, creds CredentialSource) *Session {
	if creds == nil {
		creds = NoCredentials
	}
	return &Session{
		api:   api,
		creds: creds,
		view:  View{State: StateIdle},
	}
}

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// OnChange registers a listener called with every new view.
func (s *Session) OnChange(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// commit applies mutate and notifies listeners when it reports a change.
func (s *Session) commit(mutate func(v *View) bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	changed := mutate(&s.view)
	view := s.view
	listeners := s.listeners
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(view)
	}
}

// FetchInfo probes rawURL. It starts from a clean view; on failure the
// session returns to the view it had and the error is surfaced in it.
func (s *Session) FetchInfo(ctx context.Context, rawURL string) (*executor.MediaInfo, error) {
	var prior View
	var busy bool
	s.commit(func(v *View) bool {
		if v.State == StateDownloading || s.starting {
			busy = true
			return false
		}
		prior = *v
		*v = View{State: StateFetchingInfo, URL: rawURL}
		return true
	})
	if busy {
		return nil, ErrBusy
	}

	info, err := s.api.Probe(ctx, rawURL, s.creds())

	s.commit(func(v *View) bool {
		if v.State != StateFetchingInfo {
			return false
		}
		if err != nil {
			*v = prior
			v.Message = err.Error()
			return true
		}
		v.State = StateReady
		v.Info = info
		return true
	})
	return info, err
}

// Start submits req and follows its progress. While a download runs it
// returns ErrBusy. A rejected request leaves the state unchanged with the
// error in the view.
func (s *Session) Start(ctx context.Context, req jobs.Request) error {
	var busy bool
	s.commit(func(v *View) bool {
		if v.State == StateDownloading || s.starting {
			busy = true
			return false
		}
		s.starting = true
		return false
	})
	if busy {
		return ErrBusy
	}

	if req.URL == "" {
		req.URL = s.Snapshot().URL
	}
	if req.Cookies == "" {
		req.Cookies = s.creds()
	}

	id, err := s.api.CreateJob(ctx, req)
	if err != nil {
		s.commit(func(v *View) bool {
			s.starting = false
			v.Message = err.Error()
			return true
		})
		return err
	}

	var gen uint64
	s.commit(func(v *View) bool {
		s.starting = false
		s.gen++
		gen = s.gen
		v.State = StateDownloading
		v.URL = req.URL
		v.JobID = id
		v.Stage = ""
		v.Progress = 0
		v.Outcome = ""
		v.Result = ""
		v.Message = ""
		return true
	})

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := s.api.Subscribe(streamCtx, id)
	if err != nil {
		cancel()
		logger.Warnf("⚠️ Progress stream for %s unavailable: %v", id, err)
		s.finish(gen, OutcomeConnectionLost, msgConnectionLost, "")
		return nil
	}

	var stale bool
	s.commit(func(*View) bool {
		if s.gen != gen {
			stale = true
			return false
		}
		s.stream = stream
		s.cancelStream = cancel
		return false
	})
	if stale {
		cancel()
		stream.Close()
		return nil
	}

	s.wg.Add(1)
	go s.consume(gen, stream)
	return nil
}

// Cancel asks the server to cancel the running download and resets the
// session without waiting for the server's answer. Events still in flight
// for the cancelled job are ignored.
func (s *Session) Cancel() {
	var id string
	var stream EventStream
	var cancel context.CancelFunc
	s.commit(func(v *View) bool {
		if v.State != StateDownloading {
			return false
		}
		id = v.JobID
		stream, cancel = s.stream, s.cancelStream
		s.stream, s.cancelStream = nil, nil
		s.gen++

		v.State = StateIdle
		v.JobID = ""
		v.Stage = ""
		v.Progress = 0
		v.Outcome = ""
		v.Message = msgCancelled
		return true
	})
	if id == "" {
		return
	}

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, done := context.WithTimeout(context.Background(), cancelTimeout)
		defer done()
		if _, err := s.api.CancelJob(ctx, id); err != nil {
			logger.Warnf("⚠️ Cancel request for %s failed: %v", id, err)
		}
	}()
}

// Toggle is the single action: cancel while downloading, start otherwise.
func (s *Session) Toggle(ctx context.Context, req jobs.Request) error {
	if s.Snapshot().State == StateDownloading {
		s.Cancel()
		return nil
	}
	return s.Start(ctx, req)
}

// Close detaches from any running download without cancelling it and waits
// for background work to end.
func (s *Session) Close() {
	var stream EventStream
	var cancel context.CancelFunc
	s.commit(func(*View) bool {
		s.gen++
		stream, cancel = s.stream, s.cancelStream
		s.stream, s.cancelStream = nil, nil
		return false
	})
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
	s.wg.Wait()
}

func (s *Session) consume(gen uint64, stream EventStream) {
	defer s.wg.Done()
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			s.finish(gen, OutcomeConnectionLost, msgConnectionLost, "")
			return
		}
		if !s.apply(gen, ev) {
			return
		}
	}
}

// apply folds ev into the view. It returns false once the stream is of no
// further interest.
func (s *Session) apply(gen uint64, ev progress.Event) bool {
	switch ev.Type {
	case progress.EventReady:
		s.finish(gen, OutcomeSuccess, "", ev.Data)
		return false
	case progress.EventError:
		s.finish(gen, OutcomeFailure, ev.Data, "")
		return false
	case progress.EventCancelled:
		s.finish(gen, OutcomeCancelled, ev.Data, "")
		return false
	}

	current := true
	s.commit(func(v *View) bool {
		if s.gen != gen {
			current = false
			return false
		}
		switch ev.Type {
		case progress.EventProgress:
			if ev.Percent == v.Progress {
				return false
			}
			v.Progress = ev.Percent
		case progress.EventStage:
			if ev.Data == v.Stage {
				return false
			}
			v.Stage = ev.Data
		}
		return true
	})
	return current
}

func (s *Session) finish(gen uint64, outcome Outcome, message, result string) {
	var cancel context.CancelFunc
	s.commit(func(v *View) bool {
		if s.gen != gen {
			return false
		}
		cancel = s.cancelStream
		s.stream, s.cancelStream = nil, nil

		v.State = StateTerminal
		v.Outcome = outcome
		v.Message = message
		v.Result = result
		return true
	})
	if cancel != nil {
		cancel()
	}
}

// Remote adapts a mediagrab client to the session API.
func Remote(c *mediagrab.Client) API {
	return remote{c}
}

type remote struct{ *mediagrab.Client }

func (r remote) Subscribe(ctx context.Context, id string) (EventStream, error) {
	stream, err := r.Client.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
