package transport

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Call records one Memory operation, for assertions in tests.
type Call struct {
	Op     string
	Remote string
	Path   string
	Offset int64
	Length int64
}

// Memory is an in-process Transport backed by maps. It backs the test suites;
// nothing in the CLI or serving path constructs one.
type Memory struct {
	mu      sync.Mutex
	objects map[string]map[string][]byte
	space   map[string]Space
	errs    map[string]error
	calls   []Call

	// OnOp, when set, runs before every operation and may inject an error.
	OnOp func(op, remote, path string) error
}

func NewMemory(remotes ...string) *Memory {
	m := &Memory{
		objects: make(map[string]map[string][]byte),
		space:   make(map[string]Space),
		errs:    make(map[string]error),
	}
	for _, r := range remotes {
		m.objects[r] = make(map[string][]byte)
		m.space[r] = Space{Free: 1 << 40, Total: 1 << 40}
	}
	return m
}

// SetSpace overrides the capacity report for a remote.
func (m *Memory) SetSpace(remote string, space Space) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.space[remote] = space
}

// SetError makes every operation against remote fail with err (nil clears).
func (m *Memory) SetError(remote string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, remote)
		return
	}
	m.errs[remote] = err
}

// Calls returns a copy of the recorded operation log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// ResetCalls clears the operation log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Object returns the stored bytes at remote:path.
func (m *Memory) Object(remote, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[remote][path]
	return data, ok
}

// Objects returns all paths stored on remote.
func (m *Memory) Objects(remote string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for p := range m.objects[remote] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *Memory) begin(op, remote, path string, offset, length int64) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Remote: remote, Path: path, Offset: offset, Length: length})
	err := m.errs[remote]
	hook := m.OnOp
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrFailed, op, remote, err)
	}
	if hook != nil {
		return hook(op, remote, path)
	}
	return nil
}

func (m *Memory) store(remote, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objs, ok := m.objects[remote]
	if !ok {
		return fmt.Errorf("%w: unknown remote %s", ErrFailed, remote)
	}
	objs[path] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Put(ctx context.Context, localPath, remote, remotePath string) error {
	if err := m.begin("put", remote, remotePath, 0, 0); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return m.store(remote, remotePath, data)
}

func (m *Memory) PutBytes(ctx context.Context, data []byte, remote, remotePath string) error {
	if err := m.begin("putBytes", remote, remotePath, 0, 0); err != nil {
		return err
	}
	return m.store(remote, remotePath, data)
}

func (m *Memory) Get(ctx context.Context, remote, remotePath, localPath string) error {
	data, err := m.GetBytes(ctx, remote, remotePath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

func (m *Memory) GetBytes(ctx context.Context, remote, remotePath string) ([]byte, error) {
	if err := m.begin("getBytes", remote, remotePath, 0, 0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[remote][remotePath]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s", ErrNotFound, remote, remotePath)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) GetRange(ctx context.Context, remote, remotePath string, offset, length int64) ([]byte, error) {
	if err := m.begin("getRange", remote, remotePath, offset, length); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[remote][remotePath]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s", ErrNotFound, remote, remotePath)
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (m *Memory) Delete(ctx context.Context, remote, remotePath string) error {
	if err := m.begin("delete", remote, remotePath, 0, 0); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[remote][remotePath]; !ok {
		return fmt.Errorf("%w: %s%s", ErrNotFound, remote, remotePath)
	}
	delete(m.objects[remote], remotePath)
	return nil
}

func (m *Memory) Stat(ctx context.Context, remote, remotePath string) (int64, error) {
	if err := m.begin("stat", remote, remotePath, 0, 0); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[remote][remotePath]
	if !ok {
		return 0, fmt.Errorf("%w: %s%s", ErrNotFound, remote, remotePath)
	}
	return int64(len(data)), nil
}

func (m *Memory) ListFiles(ctx context.Context, remote, prefix string) ([]string, error) {
	if err := m.begin("listFiles", remote, prefix, 0, 0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for p := range m.objects[remote] {
		if rest, ok := underPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) ListDirs(ctx context.Context, remote, prefix string) ([]string, error) {
	if err := m.begin("listDirs", remote, prefix, 0, 0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]struct{}{}
	var names []string
	for p := range m.objects[remote] {
		rest, ok := underPrefix(p, prefix)
		if !ok {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i > 0 {
			dir := rest[:i]
			if _, dup := seen[dir]; !dup {
				seen[dir] = struct{}{}
				names = append(names, dir)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) About(ctx context.Context, remote string) (Space, error) {
	if err := m.begin("about", remote, "", 0, 0); err != nil {
		return Space{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	space, ok := m.space[remote]
	if !ok {
		return Space{}, fmt.Errorf("%w: unknown remote %s", ErrFailed, remote)
	}

	var stored int64
	for _, data := range m.objects[remote] {
		stored += int64(len(data))
	}
	space.Used += stored
	if space.Free > stored {
		space.Free -= stored
	} else {
		space.Free = 0
	}
	return space, nil
}

func (m *Memory) Exists(ctx context.Context, remote string) (bool, error) {
	if err := m.begin("exists", remote, "", 0, 0); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[remote]
	return ok, nil
}

func underPrefix(p, prefix string) (string, bool) {
	if prefix == "" {
		return p, true
	}
	if !strings.HasPrefix(p, prefix+"/") {
		return "", false
	}
	return p[len(prefix)+1:], true
}
