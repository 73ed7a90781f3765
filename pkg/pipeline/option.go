package pipeline

// Option is a filter parameter that is either a constant or computed from
// the session context each time it is evaluated.
type Option[T any] struct {
	value T
	fn    func(*Context) (T, error)
	set   bool
}

// Const returns an option with a fixed value.
func Const[T any](v T) Option[T] {
	return Option[T]{value: v, set: true}
}

// Computed returns an option evaluated by fn on every use.
func Computed[T any](fn func(*Context) (T, error)) Option[T] {
	return Option[T]{fn: fn, set: true}
}

// Getter adapts an infallible callback.
func Getter[T any](fn func(*Context) T) Option[T] {
	return Computed(func(c *Context) (T, error) { return fn(c), nil })
}

// Eval returns the option's value for c. Unset options yield the zero value.
func (o Option[T]) Eval(c *Context) (T, error) {
	if o.fn != nil {
		return o.fn(c)
	}
	return o.value, nil
}

// EvalOr returns def when the option is unset.
func (o Option[T]) EvalOr(c *Context, def T) (T, error) {
	if !o.set {
		return def, nil
	}
	return o.Eval(c)
}

// IsSet reports whether the option was given.
func (o Option[T]) IsSet() bool { return o.set }

// IsDynamic reports whether the option is computed per use.
func (o Option[T]) IsDynamic() bool { return o.fn != nil }
