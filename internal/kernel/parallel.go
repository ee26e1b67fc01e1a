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


// Package kernel holds the elementwise numeric kernels of false coloring:
// channel normalization and Beer-Lambert compositing, and the data-parallel
// dispatcher which runs them.
package kernel

import (
	"runtime"

	"github.com/klauspost/cpuid"
)

// Work packages per worker
const batchesPerThread=8

// Smallest work package in elements. One L1 data cache worth of float32s,
// so tiny planes are not scattered over goroutines
var minBatchSize=l1Float32s()

func l1Float32s() int {
	if l1:=cpuid.CPU.Cache.L1D; l1>0 {
		return l1/4
	}
	return 8192
}

// Applies fn to disjoint index ranges [lower,upper) covering [0,n). Splits into
// 8*GOMAXPROCS work packages, and limits parallelism to GOMAXPROCS. Returns after
// all packages completed, so successive calls act as a barrier.
func ParallelFor(n int, fn func(lower, upper int)) {
	ParallelForThreads(n, runtime.GOMAXPROCS(0), fn)
}

// As ParallelFor, with an explicit limit on concurrent workers
func ParallelForThreads(n, threads int, fn func(lower, upper int)) {
	if n<=0 { return }
	if threads<1 { threads=1 }
	numBatches:=batchesPerThread*threads
	batchSize :=(n+numBatches-1)/numBatches
	if batchSize<minBatchSize { batchSize=minBatchSize }
	if batchSize>=n {
		fn(0, n)
		return
	}

	sem:=make(chan bool, threads)
	for lower:=0; lower<n; lower+=batchSize {
		upper:=lower+batchSize
		if upper>n { upper=n }

		sem <- true
		go func(lower, upper int) {
			fn(lower, upper)
			<-sem
		}(lower, upper)
	}

	for i:=0; i<cap(sem); i++ {  // wait for goroutines to finish
		sem <- true
	}
}
