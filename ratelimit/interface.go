package ratelimit

// Implemented by Limiter and StaticQuotaLimiter.
type Interface interface {
	Register(u any, cb Callback)
	Unregister(u any)
	Claim(u any, n int) int
	Tick()
	// A rate of zero or less is unlimited.
	SetRate(rate int)
	Rate() int
}

var (
	_ Interface = (*Limiter)(nil)
	_ Interface = (*StaticQuotaLimiter)(nil)
)
