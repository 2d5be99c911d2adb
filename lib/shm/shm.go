// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shm maps the shared-memory file that carries the capture
// ring. The mapping is read-write and shared: the relay reads frame
// and cursor records in place and never copies a frame texture out of
// it.
package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is a mapped shared-memory file. Close unmaps it; slices
// obtained from Bytes must not be used afterwards.
type Region struct {
	path string
	fd   int
	data []byte
}

// Open maps path. When size is zero the whole file is mapped and the
// file must already exist with a non-zero length. When size is
// positive the file is created if absent and grown to size if shorter.
func Open(path string, size int64) (*Region, error) {
	if size < 0 {
		return nil, fmt.Errorf("shm: negative size %d", size)
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if size > 0 {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0o660)
	if err != nil {
		return nil, fmt.Errorf("shm: opening %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}

	switch {
	case size == 0:
		size = stat.Size
		if size == 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: %s is empty (is the capture agent running?)", path)
		}
	case stat.Size < size:
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: growing %s to %d bytes: %w", path, size, err)
		}
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mapping %s: %w", path, err)
	}

	return &Region{path: path, fd: fd, data: data}, nil
}

// Anonymous maps size bytes of anonymous shared memory. It backs the
// synthetic producer and tests, where no capture agent owns a file.
func Anonymous(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid anonymous size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("shm: anonymous mapping of %d bytes: %w", size, err)
	}
	return &Region{path: "(anonymous)", fd: -1, data: data}, nil
}

// Bytes returns the mapped memory.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the mapped length in bytes.
func (r *Region) Size() int { return len(r.data) }

// Path returns the file the region maps.
func (r *Region) Path() string { return r.path }

// Close unmaps the region and closes the file.
func (r *Region) Close() error {
	var errs []error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			errs = append(errs, fmt.Errorf("shm: unmapping %s: %w", r.path, err))
		}
		r.data = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("shm: closing %s: %w", r.path, err))
		}
		r.fd = -1
	}
	return errors.Join(errs...)
}
