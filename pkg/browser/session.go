package browser

import "context"

// Runtime manages the worker process and its sessions.
type Runtime interface {
	// Start boots the worker and establishes the control channel. It must
	// be called before NewSession.
	Start(ctx context.Context) error

	// NewSession creates a worker-side browser session. The returned
	// session id references state held entirely inside the worker; a
	// worker restart invalidates all previously issued ids.
	NewSession(ctx context.Context) (Session, error)

	Close() error
}

// Session is a typed facade over one worker-side browser session. All
// methods suspend only the calling goroutine; independent sessions may be
// used concurrently over the same runtime.
type Session interface {
	ID() string

	Navigate(ctx context.Context, url string) (*PageState, error)
	GetState(ctx context.Context) (*PageState, error)
	GoBack(ctx context.Context) (*PageState, error)
	GoForward(ctx context.Context) (*PageState, error)
	Refresh(ctx context.Context) (*PageState, error)

	Click(ctx context.Context, req ClickRequest) (*PageState, error)
	Type(ctx context.Context, req TypeRequest) (*PageState, error)
	Select(ctx context.Context, req SelectRequest) (*PageState, error)
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error)
	Screenshot(ctx context.Context) (*Screenshot, error)
	SolveCaptcha(ctx context.Context) (*CaptchaResult, error)

	Close() error
}
