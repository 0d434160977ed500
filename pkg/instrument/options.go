package instrument

// Option adjusts one get or set call.
type Option func(*callOpts)

type callOpts struct {
	fast bool
}

// Fast skips change notification for lower latency. Device traffic,
// casting and cache updates are unaffected.
func Fast() Option {
	return func(o *callOpts) { o.fast = true }
}

func applyOptions(opts []Option) callOpts {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
