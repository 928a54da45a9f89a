package errdefs

import "errors"

type inputError interface{ Input() }
type forbiddenPathError interface{ ForbiddenPath() }
type notFoundError interface{ NotFound() }
type badSubstitutionError interface{ BadSubstitution() }
type unconsumedBuildArgError interface{ UnconsumedBuildArg() }
type execFailureError interface{ ExecFailure() }
type taskFailureError interface{ TaskFailure() }
type notImplementedError interface{ NotImplemented() }

func isClass[T any](err error) bool {
	for err != nil {
		if _, ok := err.(T); ok {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func IsInput(err error) bool              { return isClass[inputError](err) }
func IsForbiddenPath(err error) bool      { return isClass[forbiddenPathError](err) }
func IsNotFound(err error) bool           { return isClass[notFoundError](err) }
func IsBadSubstitution(err error) bool    { return isClass[badSubstitutionError](err) }
func IsUnconsumedBuildArg(err error) bool { return isClass[unconsumedBuildArgError](err) }
func IsExecFailure(err error) bool        { return isClass[execFailureError](err) }
func IsTaskFailure(err error) bool        { return isClass[taskFailureError](err) }
func IsNotImplemented(err error) bool     { return isClass[notImplementedError](err) }
