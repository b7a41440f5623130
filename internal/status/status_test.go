package status

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorder_KeepsLatestEvents(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Log(Info, fmt.Sprintf("msg %d", i))
	}
	events := r.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "msg 2", events[0].Message)
	assert.Equal(t, "msg 4", events[2].Message)
}

func TestRecorder_Progress(t *testing.T) {
	r := NewRecorder(0)
	r.Progress("listing", 1, 30)
	r.Progress("listing", 2, 30)

	p, ok := r.ProgressOf("listing")
	require.True(t, ok)
	assert.Equal(t, ProgressState{Done: 2, Total: 30}, p)

	_, ok = r.ProgressOf("enrich")
	assert.False(t, ok)
}

func TestRecorder_ConcurrentUse(t *testing.T) {
	r := NewRecorder(1000)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Log(Info, "x")
			r.Progress("enrich", i, 20)
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Events(), 20)
}

func TestRecorder_Reset(t *testing.T) {
	r := NewRecorder(10)
	r.Log(Error, "boom")
	r.Progress("enrich", 1, 1)
	r.Reset()

	events, progress := r.Snapshot()
	assert.Empty(t, events)
	assert.Empty(t, progress)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	m := Multi{a, b}
	Logf(m, Success, "found %d", 5)
	m.Progress("listing", 3, 4)

	assert.Equal(t, "found 5", a.Events()[0].Message)
	assert.Equal(t, Success, b.Events()[0].Level)
	p, _ := b.ProgressOf("listing")
	assert.Equal(t, 3, p.Done)
}

func TestZapSink_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewZapSink(zap.New(core))

	s.Log(Warning, "captcha detected")
	s.Log(Error, "gave up")
	s.Log(Success, "done")
	s.Progress("enrich", 1, 2)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
	assert.Equal(t, "progress", entries[3].Message)
}
