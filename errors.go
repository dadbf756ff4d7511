package vpack

import (
	"errors"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/metaedit"
)

var (
	// ErrPathResolution is returned when a path names no asset of any
	// known archive.
	ErrPathResolution = errors.New("vpack: path not found in any archive")

	// ErrIOBounds is returned when a seek would move before the start of
	// a stream.
	ErrIOBounds = errors.New("vpack: position out of stream bounds")

	// ErrNotStarted is returned by operations that need a started overlay.
	ErrNotStarted = errors.New("vpack: overlay not started")
)

// Errors re-exported from subpackages.
var (
	// ErrArchiveParse is returned when a native archive is malformed.
	ErrArchiveParse = archive.ErrArchiveParse

	// ErrBundleLoad is returned when a bundle's manifest or payload is
	// missing or malformed.
	ErrBundleLoad = bundle.ErrBundleLoad

	// ErrBundleNotFound is returned for bundle tree paths that name no node.
	ErrBundleNotFound = bundle.ErrNotFound

	// ErrMetadataEdit is returned when a metadata edit patches bytes its
	// target does not contain.
	ErrMetadataEdit = metaedit.ErrMetadataEdit
)
