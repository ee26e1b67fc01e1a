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


package internal

import (
	"runtime"
	"sync"
)

// Pools of constant sized arrays, to reduce allocation overhead when sweeping
// through many planes of identical extent. Keyed by array length.
type sizedPools struct {
	sync.RWMutex
	m map[int]*sync.Pool
}

// Pool of float32 plane buffers, for raw channels, fields and normalized data
var poolFloat32=&sizedPools{m: make(map[int]*sync.Pool)}

// Pool of byte buffers, for interleaved RGB output
var poolByte   =&sizedPools{m: make(map[int]*sync.Pool)}


// Clears all memory pools and triggers garbage collection
func ClearPools() {
	poolFloat32.Lock()
	poolFloat32.m=make(map[int]*sync.Pool)
	poolFloat32.Unlock()

	poolByte.Lock()
	poolByte.m=make(map[int]*sync.Pool)
	poolByte.Unlock()

	runtime.GC()
}

// Returns the pool for the given size, creating it with the given constructor if needed
func (p *sizedPools) get(size int, newFunc func() interface{}) *sync.Pool {
	p.RLock()
	pool:=p.m[size]
	p.RUnlock()
	if pool!=nil { return pool }

	p.Lock()
	defer p.Unlock()
	if pool=p.m[size]; pool==nil {
		pool=&sync.Pool{New: newFunc}
		p.m[size]=pool
	}
	return pool
}

// Retrieves an array of given size and type from pool. Contents are undefined
func GetArrayOfFloat32FromPool(size int) []float32 {
	pool:=poolFloat32.get(size, func() interface{} { return make([]float32, size) })
	return pool.Get().([]float32)
}

// Returns an array of given size and type to the pool
func PutArrayOfFloat32IntoPool(arr []float32) {
	if arr==nil { return }
	pool:=poolFloat32.get(cap(arr), func() interface{} { return make([]float32, cap(arr)) })
	pool.Put(arr[:cap(arr)])
}

// Retrieves an array of given size and type from pool. Contents are undefined
func GetArrayOfByteFromPool(size int) []byte {
	pool:=poolByte.get(size, func() interface{} { return make([]byte, size) })
	return pool.Get().([]byte)
}

// Returns an array of given size and type to the pool
func PutArrayOfByteIntoPool(arr []byte) {
	if arr==nil { return }
	pool:=poolByte.get(cap(arr), func() interface{} { return make([]byte, cap(arr)) })
	pool.Put(arr[:cap(arr)])
}
