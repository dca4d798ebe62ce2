package csvz

type headerMode uint8

const (
	headerPassthrough headerMode = iota
	headerTransform
	headerReplace
	headerFunc
)

// HeaderPolicy decides what a Stage does with the first row it sees. The
// header is never batched or run concurrently. The zero value passes the
// header through untouched.
type HeaderPolicy struct {
	row  Row
	fn   TransformFunc
	mode headerMode
}

// HeaderPassthrough emits the header row unchanged.
func HeaderPassthrough() HeaderPolicy {
	return HeaderPolicy{mode: headerPassthrough}
}

// HeaderTransform routes the header through the stage's transform.
func HeaderTransform() HeaderPolicy {
	return HeaderPolicy{mode: headerTransform}
}

// HeaderReplace discards the header row and emits row instead.
func HeaderReplace(row Row) HeaderPolicy {
	return HeaderPolicy{mode: headerReplace, row: row}
}

// HeaderFunc routes the header through fn instead of the stage's transform.
func HeaderFunc(fn TransformFunc) HeaderPolicy {
	if fn == nil {
		return HeaderPassthrough()
	}
	return HeaderPolicy{mode: headerFunc, fn: fn}
}
