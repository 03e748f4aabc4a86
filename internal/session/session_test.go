package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mediagrab/internal/executor"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/internal/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStream struct {
	events chan progress.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan progress.Event, 16), closed: make(chan struct{})}
}

func (f *fakeStream) Next() (progress.Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return progress.Event{}, io.EOF
		}
		return ev, nil
	case <-f.closed:
		return progress.Event{}, errors.New("use of closed stream")
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeAPI struct {
	mu        sync.Mutex
	info      *executor.MediaInfo
	probeErr  error
	createErr error
	subErr    error
	cookies   []string
	created   []jobs.Request
	cancelled []string
	streams   map[string]*fakeStream
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		info:    &executor.MediaInfo{Title: "Sample Clip", VideoQualities: []string{"1080", "720"}},
		streams: make(map[string]*fakeStream),
	}
}

func (f *fakeAPI) Probe(_ context.Context, _ string, cookies string) (*executor.MediaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, cookies)
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return f.info, nil
}

func (f *fakeAPI) CreateJob(_ context.Context, req jobs.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, req.Cookies)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, req)
	id := fmt.Sprintf("job-%d", len(f.created))
	f.streams[id] = newFakeStream()
	return id, nil
}

func (f *fakeAPI) CancelJob(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return "cancel_requested", nil
}

func (f *fakeAPI) Subscribe(_ context.Context, id string) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.streams[id], nil
}

func (f *fakeAPI) stream(id string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[id]
}

func videoRequest() jobs.Request {
	return jobs.Request{URL: "https://video.example.com/watch?v=abc", Type: jobs.TypeVideo, Quality: "720"}
}

func waitState(t *testing.T, s *Session, want State) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		v = s.Snapshot()
		return v.State == want
	}, 2*time.Second, 5*time.Millisecond, "want state %s", want)
	return v
}

func TestSuccessfulDownload(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)
	defer s.Close()

	var mu sync.Mutex
	var states []State
	s.OnChange(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != v.State {
			states = append(states, v.State)
		}
	})

	info, err := s.FetchInfo(context.Background(), "https://video.example.com/watch?v=abc")
	require.NoError(t, err)
	assert.Equal(t, "Sample Clip", info.Title)
	assert.Equal(t, StateReady, s.Snapshot().State)

	require.NoError(t, s.Start(context.Background(), jobs.Request{Type: jobs.TypeVideo, Quality: "720"}))
	v := s.Snapshot()
	assert.Equal(t, StateDownloading, v.State)
	assert.False(t, v.CanStart())
	assert.Equal(t, "https://video.example.com/watch?v=abc", api.created[0].URL)

	stream := api.stream(v.JobID)
	stream.events <- progress.Stage("fetching metadata")
	stream.events <- progress.Progress(10)
	stream.events <- progress.Progress(55)
	stream.events <- progress.Stage("encoding")
	stream.events <- progress.Progress(100)
	stream.events <- progress.Ready("/api/v1/download/" + v.JobID)

	done := waitState(t, s, StateTerminal)
	assert.Equal(t, OutcomeSuccess, done.Outcome)
	assert.Equal(t, "/api/v1/download/"+v.JobID, done.Result)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "encoding", done.Stage)
	assert.True(t, done.CanStart())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateFetchingInfo, StateReady, StateDownloading, StateTerminal}, states)
}

func TestCancelBeforeProgress(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)

	require.NoError(t, s.Start(context.Background(), videoRequest()))
	id := s.Snapshot().JobID
	stream := api.stream(id)

	s.Cancel()
	v := s.Snapshot()
	assert.Equal(t, StateIdle, v.State)
	assert.Equal(t, "download cancelled", v.Message)
	assert.Empty(t, v.JobID)

	// events that were already in flight change nothing
	stream.events <- progress.Progress(10)
	stream.events <- progress.Cancelled("download cancelled")
	time.Sleep(50 * time.Millisecond)

	s.Close()
	v = s.Snapshot()
	assert.Equal(t, StateIdle, v.State)
	assert.Equal(t, 0, v.Progress)
	assert.Empty(t, v.Outcome)
	assert.Equal(t, []string{id}, api.cancelled)

	// cancelling again is a no-op
	s.Cancel()
	assert.Equal(t, []string{id}, api.cancelled)
}

func TestStartAgainAfterCancel(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), videoRequest()))
	first := s.Snapshot().JobID
	s.Cancel()

	require.NoError(t, s.Start(context.Background(), videoRequest()))
	second := s.Snapshot().JobID
	assert.NotEqual(t, first, second)

	api.stream(first).events <- progress.Progress(90)
	api.stream(second).events <- progress.Progress(20)

	require.Eventually(t, func() bool { return s.Snapshot().Progress == 20 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 20, s.Snapshot().Progress)
}

func TestConnectionLost(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), videoRequest()))
	stream := api.stream(s.Snapshot().JobID)
	stream.events <- progress.Progress(30)
	close(stream.events)

	v := waitState(t, s, StateTerminal)
	assert.Equal(t, OutcomeConnectionLost, v.Outcome)
	assert.Equal(t, "connection lost", v.Message)
	assert.Equal(t, 30, v.Progress)
	assert.True(t, v.CanStart())
}

func TestServerReportedOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		event   progress.Event
		outcome Outcome
		message string
	}{
		{"failure", progress.Error("HTTP Error 403: Forbidden"), OutcomeFailure, "HTTP Error 403: Forbidden"},
		{"cancelled", progress.Cancelled("download cancelled"), OutcomeCancelled, "download cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			s := New(api, nil)
			defer s.Close()

			require.NoError(t, s.Start(context.Background(), videoRequest()))
			api.stream(s.Snapshot().JobID).events <- tt.event

			v := waitState(t, s, StateTerminal)
			assert.Equal(t, tt.outcome, v.Outcome)
			assert.Equal(t, tt.message, v.Message)
			assert.Empty(t, v.Result)
		})
	}
}

func TestRejectedStartKeepsState(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)
	defer s.Close()

	_, err := s.FetchInfo(context.Background(), "https://video.example.com/a")
	require.NoError(t, err)

	api.createErr = errors.New("request rejected: invalid request: video quality must be a height in pixels")
	err = s.Start(context.Background(), jobs.Request{Quality: "best"})
	require.Error(t, err)

	v := s.Snapshot()
	assert.Equal(t, StateReady, v.State)
	assert.Contains(t, v.Message, "video quality")
	assert.True(t, v.CanStart())
}

func TestFetchInfoFailureRestoresState(t *testing.T) {
	api := newFakeAPI()
	api.probeErr = errors.New("request rejected: unsupported url: ERROR: Unsupported URL")
	s := New(api, nil)
	defer s.Close()

	_, err := s.FetchInfo(context.Background(), "https://unsupported.example.com/a")
	require.Error(t, err)

	v := s.Snapshot()
	assert.Equal(t, StateIdle, v.State)
	assert.Nil(t, v.Info)
	assert.Contains(t, v.Message, "Unsupported URL")
}

func TestFetchInfoAfterDownloadClearsOutcome(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), videoRequest()))
	id := s.Snapshot().JobID
	api.stream(id).events <- progress.Progress(100)
	api.stream(id).events <- progress.Ready("/api/v1/download/" + id)
	waitState(t, s, StateTerminal)

	_, err := s.FetchInfo(context.Background(), "https://video.example.com/b")
	require.NoError(t, err)

	v := s.Snapshot()
	assert.Equal(t, StateReady, v.State)
	assert.Equal(t, "https://video.example.com/b", v.URL)
	assert.Empty(t, v.JobID)
	assert.Empty(t, v.Outcome)
	assert.Empty(t, v.Result)
	assert.Zero(t, v.Progress)

	api.probeErr = errors.New("request rejected: unsupported url")
	_, err = s.FetchInfo(context.Background(), "https://unsupported.example.com/c")
	require.Error(t, err)
	v = s.Snapshot()
	assert.Equal(t, StateReady, v.State)
	assert.Equal(t, "https://video.example.com/b", v.URL)
	assert.Contains(t, v.Message, "unsupported url")
}

func TestSingleActiveDownload(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), videoRequest()))

	assert.ErrorIs(t, s.Start(context.Background(), videoRequest()), ErrBusy)
	_, err := s.FetchInfo(context.Background(), "https://video.example.com/b")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, api.created, 1)
}

func TestToggle(t *testing.T) {
	api := newFakeAPI()
	s := New(api, nil)

	require.NoError(t, s.Toggle(context.Background(), videoRequest()))
	assert.Equal(t, StateDownloading, s.Snapshot().State)

	require.NoError(t, s.Toggle(context.Background(), videoRequest()))
	assert.Equal(t, StateIdle, s.Snapshot().State)

	s.Close()
	assert.Len(t, api.cancelled, 1)
}

func TestSubscribeFailure(t *testing.T) {
	api := newFakeAPI()
	api.subErr = errors.New("dial tcp: connection refused")
	s := New(api, nil)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), videoRequest()))

	v := s.Snapshot()
	assert.Equal(t, StateTerminal, v.State)
	assert.Equal(t, OutcomeConnectionLost, v.Outcome)
}

func TestCredentialsReadAtActionTime(t *testing.T) {
	api := newFakeAPI()
	var mu sync.Mutex
	cookies := "first"
	s := New(api, func() string {
		mu.Lock()
		defer mu.Unlock()
		return cookies
	})
	defer s.Close()

	_, err := s.FetchInfo(context.Background(), "https://video.example.com/a")
	require.NoError(t, err)

	mu.Lock()
	cookies = "second"
	mu.Unlock()
	require.NoError(t, s.Start(context.Background(), videoRequest()))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, api.cookies)
}
