// Package fuse mounts a read-only mirror of a game directory in which
// archive files are served by an overlay.
//
// Every directory and file of the source directory appears at the same
// relative path below the mountpoint. Opens are classified from their
// flags and offered to the overlay first; archive components it serves
// are read through an overlay handle with direct I/O, so the kernel never
// caches a stream whose bindings a reflection pass may change. Every other
// file is read from the source.
//
// Mutations return EROFS.
package fuse
