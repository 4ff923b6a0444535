package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/odvcencio/browserhost/pkg/browser"
	hosterrors "github.com/odvcencio/browserhost/pkg/errors"
	"github.com/odvcencio/browserhost/pkg/logging"
	"github.com/odvcencio/browserhost/pkg/reliability"
)

// Session is a typed facade over one worker-side browser session. It holds
// no browser state of its own, only the session id; url and title values
// returned from calls are transient reads, not a cache.
type Session struct {
	id     string
	client *Client
	logger *logging.Logger

	navigation reliability.Strategy
	action     reliability.Strategy

	closed atomic.Bool
}

// ID returns the worker-assigned session id.
func (s *Session) ID() string {
	return s.id
}

// Navigate loads a URL in the session's page.
func (s *Session) Navigate(ctx context.Context, url string) (*browser.PageState, error) {
	data, err := s.call(ctx, s.navigation, VerbNavigate, map[string]any{"url": url})
	if err != nil {
		return nil, err
	}
	state := decodePageState(data)
	if state.URL == "" {
		state.URL = url
	}
	return state, nil
}

// GetState reads the current url and title.
func (s *Session) GetState(ctx context.Context) (*browser.PageState, error) {
	data, err := s.call(ctx, s.navigation, VerbGetState, nil)
	if err != nil {
		return nil, err
	}
	return decodePageState(data), nil
}

// GoBack navigates back in session history.
func (s *Session) GoBack(ctx context.Context) (*browser.PageState, error) {
	return s.navCall(ctx, VerbGoBack)
}

// GoForward navigates forward in session history.
func (s *Session) GoForward(ctx context.Context) (*browser.PageState, error) {
	return s.navCall(ctx, VerbGoForward)
}

// Refresh reloads the current page.
func (s *Session) Refresh(ctx context.Context) (*browser.PageState, error) {
	return s.navCall(ctx, VerbRefresh)
}

func (s *Session) navCall(ctx context.Context, verb string) (*browser.PageState, error) {
	data, err := s.call(ctx, s.navigation, verb, nil)
	if err != nil {
		return nil, err
	}
	return decodePageState(data), nil
}

// Click clicks the described element.
func (s *Session) Click(ctx context.Context, req browser.ClickRequest) (*browser.PageState, error) {
	return s.actionCall(ctx, VerbClick, req)
}

// Type types text into the described element.
func (s *Session) Type(ctx context.Context, req browser.TypeRequest) (*browser.PageState, error) {
	return s.actionCall(ctx, VerbType, req)
}

// Select picks an option from the described select element.
func (s *Session) Select(ctx context.Context, req browser.SelectRequest) (*browser.PageState, error) {
	return s.actionCall(ctx, VerbSelect, req)
}

func (s *Session) actionCall(ctx context.Context, verb string, payload any) (*browser.PageState, error) {
	data, err := s.call(ctx, s.action, verb, payload)
	if err != nil {
		return nil, err
	}
	return decodePageState(data), nil
}

// Extract pulls content from the current page.
func (s *Session) Extract(ctx context.Context, req browser.ExtractRequest) (*browser.ExtractResult, error) {
	data, err := s.call(ctx, s.action, VerbExtract, req)
	if err != nil {
		return nil, err
	}
	result := &browser.ExtractResult{}
	decodeInto(data, result)
	return result, nil
}

// Screenshot captures the current page.
func (s *Session) Screenshot(ctx context.Context) (*browser.Screenshot, error) {
	data, err := s.call(ctx, s.action, VerbScreenshot, nil)
	if err != nil {
		return nil, err
	}
	shot := &browser.Screenshot{}
	decodeInto(data, shot)
	return shot, nil
}

// SolveCaptcha asks the worker to solve a captcha on the current page.
func (s *Session) SolveCaptcha(ctx context.Context) (*browser.CaptchaResult, error) {
	data, err := s.call(ctx, s.action, VerbSolveCaptcha, nil)
	if err != nil {
		return nil, err
	}
	result := &browser.CaptchaResult{}
	decodeInto(data, result)
	return result, nil
}

// Close destroys the worker-side session. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.client.requestTimeout)
	defer cancel()
	_, err := s.client.Call(ctx, VerbDestroySession, s.id, nil)
	browser.RecordSessionClosed()
	if err != nil && !browser.IsConnectionError(err) && !errors.Is(err, browser.ErrNotConnected) {
		return classify(VerbDestroySession, s.id, err)
	}
	// A dead connection already means the worker-side session is gone.
	return nil
}

// call validates the handle, issues the RPC, and wraps it in the given
// retry strategy. Every error leaving here is a structured taxonomy error.
func (s *Session) call(ctx context.Context, strategy reliability.Strategy, verb string, payload any) (json.RawMessage, error) {
	if s.id == "" {
		return nil, hosterrors.New(hosterrors.ErrCodeInvalidInput, "session id is empty").
			WithUserMessage("The browser session is no longer valid.")
	}
	if s.closed.Load() {
		return nil, hosterrors.New(hosterrors.ErrCodeSessionError, "session is closed").
			WithContext("session_id", s.id).
			WithUserMessage("The browser session has been closed.")
	}

	return reliability.ExecuteValue(ctx, strategy.WithLogger(s.logger), verb,
		func(ctx context.Context) (json.RawMessage, error) {
			data, err := s.client.Call(ctx, verb, s.id, payload)
			if err != nil {
				return nil, classify(verb, s.id, err)
			}
			return data, nil
		})
}

// classify maps transport and worker errors onto the error taxonomy.
// Retry handlers branch on the resulting Retryable flag, never on the
// code.
func classify(verb, sessionID string, err error) error {
	var structured *hosterrors.Error
	if errors.As(err, &structured) {
		return structured
	}

	if errors.Is(err, browser.ErrNotConnected) {
		return hosterrors.NewServiceNotAvailable("worker connection unavailable").
			WithContext("verb", verb)
	}

	var workerErr *WorkerError
	if errors.As(err, &workerErr) && isSecurityDenial(workerErr.Message) {
		return hosterrors.NewSecurityError(workerErr.Message).
			WithContext("verb", verb).
			WithContext("session_id", sessionID)
	}

	switch verb {
	case VerbNavigate, VerbGoBack, VerbGoForward, VerbRefresh:
		return hosterrors.NewNavigationError("", err.Error()).
			WithContext("verb", verb).
			WithContext("session_id", sessionID)
	case VerbCreateSession, VerbDestroySession, VerbGetState:
		return hosterrors.NewSessionError(sessionID, err.Error()).
			WithContext("verb", verb)
	default:
		return hosterrors.NewActionError(verb, err.Error()).
			WithContext("session_id", sessionID)
	}
}

// isSecurityDenial recognizes worker refusals that must never be retried.
func isSecurityDenial(message string) bool {
	lowered := strings.ToLower(message)
	for _, marker := range []string{"blocked by policy", "security", "not allowed", "permission denied"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// decodePageState unwraps a page state payload, defaulting to empty values
// when the worker sends no data so callers never need nil checks on the
// happy path.
func decodePageState(data json.RawMessage) *browser.PageState {
	state := &browser.PageState{}
	decodeInto(data, state)
	return state
}

func decodeInto(data json.RawMessage, target any) {
	if len(data) == 0 {
		return
	}
	// A payload that fails to decode is treated as absent.
	_ = json.Unmarshal(data, target)
}
