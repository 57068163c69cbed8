package utils

// Must unwraps a (value, error) pair, panicking on error. For
// initialization that can not reasonably fail at runtime, like building
// a zap logger.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}
