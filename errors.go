// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graphrt

import "github.com/born-ml/graphrt/internal/errs"

// Error kinds. Every error returned by the runtime that belongs to a kind
// matches it with errors.Is.
var (
	ErrUsage          = errs.ErrUsage
	ErrShapeMismatch  = errs.ErrShapeMismatch
	ErrOutOfMemory    = errs.ErrOutOfMemory
	ErrUnsupported    = errs.ErrUnsupported
	ErrCorruptArchive = errs.ErrCorruptArchive
)

// Typed errors carrying details.
type (
	UsageError                    = errs.UsageError
	ShapeMismatchError            = errs.ShapeMismatchError
	OutOfMemoryError              = errs.OutOfMemoryError
	UnsupportedConfigurationError = errs.UnsupportedConfigurationError
	CorruptArchiveError           = errs.CorruptArchiveError
)
