package service

import (
	"errors"
	"fmt"
)

// MatchAll ignores every reporting error.
const MatchAll = "*"

// IgnoreList decides which reporting errors are swallowed silently.
//
// An entry matches an error when it is MatchAll, when it equals the type
// name (as printed by %T, e.g. "client.TransportError") of any error in the
// wrap chain, or when it equals the Kind() of an error in the chain
// ("maintenance", "response", "transport"). Comparisons are exact.
type IgnoreList struct {
	entries map[string]struct{}
}

func NewIgnoreList(entries []string) IgnoreList {
	l := IgnoreList{entries: map[string]struct{}{}}

	for _, e := range entries {
		if e != "" {
			l.entries[e] = struct{}{}
		}
	}

	return l
}

type kinded interface {
	Kind() string
}

func (l IgnoreList) Match(err error) bool {
	if err == nil || len(l.entries) == 0 {
		return false
	}

	if _, ok := l.entries[MatchAll]; ok {
		return true
	}

	for _, e := range chain(err) {
		if _, ok := l.entries[fmt.Sprintf("%T", e)]; ok {
			return true
		}

		if k, ok := e.(kinded); ok {
			if _, ok := l.entries[k.Kind()]; ok {
				return true
			}
		}
	}

	return false
}

// chain flattens the tree of wrapped errors depth first.
func chain(err error) []error {
	var errs []error

	var walk func(err error)
	walk = func(err error) {
		if err == nil {
			return
		}

		errs = append(errs, err)

		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		default:
			walk(errors.Unwrap(err))
		}
	}

	walk(err)

	return errs
}
