// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workqueue_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/z3fold/pkg/workqueue"
)

func TestQueueAndFlush(t *testing.T) {
	q, err := workqueue.New("test", 2, 16)
	require.NoError(t, err)
	defer q.Destroy()

	var count atomic.Int32
	works := make([]*workqueue.Work, 8)
	for i := range works {
		works[i] = workqueue.NewWork(func() { count.Add(1) })
		queued, err := q.Queue(works[i])
		require.NoError(t, err)
		require.True(t, queued)
	}

	q.Flush()
	require.Equal(t, int32(8), count.Load())
	for _, w := range works {
		require.False(t, w.Pending())
	}
}

func TestQueuePendingOnce(t *testing.T) {
	q, err := workqueue.New("test", 1, 4)
	require.NoError(t, err)
	defer q.Destroy()

	var (
		block = make(chan struct{})
		count atomic.Int32
	)

	blocker := workqueue.NewWork(func() { <-block })
	_, err = q.Queue(blocker)
	require.NoError(t, err)

	w := workqueue.NewWork(func() { count.Add(1) })
	queued, err := q.Queue(w)
	require.NoError(t, err)
	require.True(t, queued)

	queued, err = q.Queue(w)
	require.NoError(t, err)
	require.False(t, queued, "already pending work must not be requeued")
	require.True(t, w.Pending())

	close(block)
	q.Flush()
	require.Equal(t, int32(1), count.Load())
}

func TestQueueFull(t *testing.T) {
	q, err := workqueue.New("test", 1, 1)
	require.NoError(t, err)
	defer q.Destroy()

	var (
		started = make(chan struct{})
		block   = make(chan struct{})
	)

	_, err = q.Queue(workqueue.NewWork(func() { close(started); <-block }))
	require.NoError(t, err)
	<-started

	_, err = q.Queue(workqueue.NewWork(func() {}))
	require.NoError(t, err)

	w := workqueue.NewWork(func() {})
	_, err = q.Queue(w)
	require.ErrorIs(t, err, workqueue.ErrFull)
	require.False(t, w.Pending())

	close(block)
}

func TestCancelSync(t *testing.T) {
	q, err := workqueue.New("test", 1, 4)
	require.NoError(t, err)
	defer q.Destroy()

	var (
		started = make(chan struct{})
		block   = make(chan struct{})
		ran     atomic.Bool
	)

	_, err = q.Queue(workqueue.NewWork(func() { close(started); <-block }))
	require.NoError(t, err)
	<-started

	w := workqueue.NewWork(func() { ran.Store(true) })
	_, err = q.Queue(w)
	require.NoError(t, err)
	require.True(t, w.CancelSync(), "pending work cancelled")

	close(block)
	q.Flush()
	require.False(t, ran.Load())

	var done atomic.Bool
	block = make(chan struct{})
	started = make(chan struct{})
	running := workqueue.NewWork(func() {
		close(started)
		<-block
		done.Store(true)
	})
	_, err = q.Queue(running)
	require.NoError(t, err)
	<-started

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	require.False(t, running.CancelSync(), "running work is not cancelled")
	require.True(t, done.Load(), "CancelSync waits for running work")
}

func TestDestroy(t *testing.T) {
	q, err := workqueue.New("test", 2, 4)
	require.NoError(t, err)

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		_, err = q.Queue(workqueue.NewWork(func() { count.Add(1) }))
		require.NoError(t, err)
	}

	q.Destroy()
	require.Equal(t, int32(4), count.Load())

	_, err = q.Queue(workqueue.NewWork(func() {}))
	require.ErrorIs(t, err, workqueue.ErrDestroyed)

	_, err = workqueue.New("invalid", 0, 1)
	require.Error(t, err)
}
