package runner

type Option func(*Policy)

// WithRetryStrategy lets you define a custom retry/backoff approach. It
// overrides the exponential backoff derived from RetryConfig.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(p *Policy) {
		if s != nil {
			p.strategy = s
		}
	}
}

// WithOnRetry registers a hook called before every retry attempt with the
// failure that caused it.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(p *Policy) {
		if fn != nil {
			p.onRetry = append(p.onRetry, fn)
		}
	}
}

// WithFallback replaces the fallback runnable of the config.
func WithFallback(fn FallbackFunc) Option {
	return func(p *Policy) {
		p.fallback = fn
	}
}

// WithBreaker shares an existing breaker instead of building one.
func WithBreaker(b *Breaker) Option {
	return func(p *Policy) {
		if b != nil {
			p.breaker = b
		}
	}
}

func WithLogger(l Logger) Option {
	return func(p *Policy) {
		p.logger = l
	}
}
