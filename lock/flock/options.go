package flock

import "time"

type options struct {
	timeout     time.Duration
	diagnostics bool
	exec        Executor
}

// Option configures a Lock or AsyncLock. Options are read once at construction.
type Option func(*options)

// WithTimeout bounds how long acquisition may wait. Zero or negative waits
// indefinitely, which is the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDiagnostics enables acquisition/release trace lines.
func WithDiagnostics(on bool) Option {
	return func(o *options) { o.diagnostics = on }
}

// WithExecutor sets the pool AsyncLock dispatches file operations to.
// A *ants.Pool satisfies Executor. Ignored by Lock.
func WithExecutor(e Executor) Option {
	return func(o *options) { o.exec = e }
}

func buildOptions(opts []Option) options {
	o := options{exec: defaultExecutor{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.exec == nil {
		o.exec = defaultExecutor{}
	}
	return o
}
