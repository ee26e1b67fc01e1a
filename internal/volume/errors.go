// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package volume

import (
	"fmt"
)

// Mismatched channel shapes, or extents not cleanly divisible into the block
// and tile grids. Fatal for the operation which returned it.
type InputShapeError struct {
	Op  string
	Msg string
}

func (e *InputShapeError) Error() string {
	return fmt.Sprintf("%s: input shape error: %s", e.Op, e.Msg)
}

// Returns an InputShapeError with a formatted message
func ShapeErrorf(op, format string, args ...interface{}) error {
	return &InputShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Checks that two planes have identical extents
func CheckSameShape(op string, a, b *Plane) error {
	if a==nil || b==nil {
		return ShapeErrorf(op, "missing channel")
	}
	if !a.SameShape(b) {
		return ShapeErrorf(op, "channel shapes differ: %v vs %v", a, b)
	}
	return nil
}
