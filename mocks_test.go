package toolrpc_test

import (
	"iter"
	"sync"

	toolrpc "github.com/MegaGrindStone/go-toolrpc"
)

type mockToolListUpdater struct {
	ch chan struct{}
}

func (m mockToolListUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range m.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

type mockToolListWatcher struct {
	lock        sync.Mutex
	updateCount int
}

func (m *mockToolListWatcher) OnToolListChanged() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.updateCount++
}

type mockProgressListener struct {
	lock   sync.Mutex
	params []toolrpc.ProgressParams
}

func (m *mockProgressListener) OnProgress(params toolrpc.ProgressParams) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.params = append(m.params, params)
}

type mockLogHandler struct {
	lock   sync.Mutex
	level  toolrpc.LogLevel
	params chan toolrpc.LogParams
}

func (m *mockLogHandler) LogStreams() iter.Seq[toolrpc.LogParams] {
	return func(yield func(toolrpc.LogParams) bool) {
		for params := range m.params {
			if !yield(params) {
				return
			}
		}
	}
}

func (m *mockLogHandler) SetLogLevel(level toolrpc.LogLevel) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.level = level
}

func (m *mockLogHandler) logLevel() toolrpc.LogLevel {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.level
}

type mockLogReceiver struct {
	lock   sync.Mutex
	params []toolrpc.LogParams
}

func (m *mockLogReceiver) OnLog(params toolrpc.LogParams) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.params = append(m.params, params)
}

func (m *mockLogReceiver) count() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.params)
}
