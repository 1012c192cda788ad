package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfSpaceError is returned when no free range of the requested size remains in an address window
var OutOfSpaceError error = errors.New("no free range of the requested size")

// InvalidAddressError is returned when a requested address range is unaligned, lies outside the
// address window, or overlaps a range that is already reserved
var InvalidAddressError error = errors.New("invalid address range")

// InvalidArgumentError is returned when a range or address passed in is not one that is currently
// held, such as a mismatched free or a repeated detach
var InvalidArgumentError error = errors.New("invalid argument")

// NotFoundError is returned when a segment identifier is not present in the segment directory
var NotFoundError error = errors.New("segment not found")

// ResourceExhaustionError is returned when the state backing a task group could not be created
var ResourceExhaustionError error = errors.New("resource exhaustion")

// MapFailedError is returned when an address environment refuses to map one of a segment's pages
var MapFailedError error = errors.New("failed to map page")
