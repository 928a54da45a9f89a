package errdefs_test

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/pkg/errdefs"
	h "github.com/buildforge/dockerbuild/testhelpers"
)

func TestErrdefs(t *testing.T) {
	base := errors.New("boom")

	checks := []struct {
		wrap func(error) error
		is   func(error) bool
	}{
		{errdefs.Input, errdefs.IsInput},
		{errdefs.ForbiddenPath, errdefs.IsForbiddenPath},
		{errdefs.NotFound, errdefs.IsNotFound},
		{errdefs.BadSubstitution, errdefs.IsBadSubstitution},
		{errdefs.UnconsumedBuildArg, errdefs.IsUnconsumedBuildArg},
		{errdefs.ExecFailure, errdefs.IsExecFailure},
		{errdefs.TaskFailure, errdefs.IsTaskFailure},
		{errdefs.NotImplemented, errdefs.IsNotImplemented},
	}

	for _, check := range checks {
		wrapped := check.wrap(base)
		h.AssertEq(t, wrapped.Error(), "boom")
		h.AssertTrue(t, check.is(wrapped))
		h.AssertEq(t, check.is(base), false)
		h.AssertNil(t, check.wrap(nil))
	}
}

func TestErrdefsSurvivesWrapping(t *testing.T) {
	err := errdefs.NotFound(errors.New("stat x: no such file or directory"))
	wrapped := errors.Wrap(err, "copying")
	h.AssertTrue(t, errdefs.IsNotFound(wrapped))

	// classes compose when a task failure carries a typed cause
	both := errdefs.TaskFailure(errdefs.NotImplemented(errors.New("nope")))
	h.AssertTrue(t, errdefs.IsTaskFailure(both))
	h.AssertTrue(t, errdefs.IsNotImplemented(both))
}
