package tiering

import (
	"context"
	"errors"
	"sync"
	"syscall"
)

// fakeMounter keeps an in-memory mount table: hot path -> cold path.
type fakeMounter struct {
	mu           sync.Mutex
	mounts       map[string]string
	dirs         map[string]bool
	failUnmount  bool
	failLazy     bool
	failBind     error
	calls        []string
	mountSyscall int
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{mounts: map[string]string{}, dirs: map[string]bool{}}
}

func (f *fakeMounter) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeMounter) IsMountpoint(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounts[path]
	return ok, nil
}

func (f *fakeMounter) Lookup(path string) (MountInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.mounts[path]
	if !ok {
		return MountInfo{}, false, nil
	}
	return MountInfo{MountPoint: path, Root: src, FSType: "fuse.rclone"}, true, nil
}

func (f *fakeMounter) SameSource(hot, cold string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounts[hot] == cold, nil
}

func (f *fakeMounter) BindMount(source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("bind " + target)
	f.mountSyscall++
	if f.failBind != nil {
		return f.failBind
	}
	f.mounts[target] = source
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unmount " + target)
	f.mountSyscall++
	if f.failUnmount {
		return syscall.EBUSY
	}
	delete(f.mounts, target)
	return nil
}

func (f *fakeMounter) LazyUnmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("lazy-unmount " + target)
	f.mountSyscall++
	if f.failLazy {
		return syscall.EINVAL
	}
	delete(f.mounts, target)
	return nil
}

func (f *fakeMounter) MkdirAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("mkdir " + path)
	f.dirs[path] = true
	return nil
}

// fakeProber returns canned results; unknown paths probe healthy. A stale
// result is cleared once the fake mounter no longer lists the path.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]ProbeResult
	mounter *fakeMounter
	probed  []string
}

func newFakeProber(m *fakeMounter) *fakeProber {
	return &fakeProber{results: map[string]ProbeResult{}, mounter: m}
}

func (p *fakeProber) set(path string, kind ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	switch kind {
	case KindStale:
		err = syscall.ENOTCONN
	case KindAbsent:
		err = syscall.ENOENT
	case KindPermissionDenied:
		err = syscall.EACCES
	case KindUnknown:
		err = errors.New("boom")
	}
	p.results[path] = ProbeResult{Path: path, Kind: kind, Readable: kind == KindNone, Err: err}
}

func (p *fakeProber) Probe(_ context.Context, path string) ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, path)
	if r, ok := p.results[path]; ok {
		if r.Kind == KindStale && p.mounter != nil {
			if mounted, _ := p.mounter.IsMountpoint(path); !mounted {
				return ProbeResult{Path: path, Kind: KindNone, Readable: true}
			}
		}
		return r
	}
	mounted := false
	if p.mounter != nil {
		mounted, _ = p.mounter.IsMountpoint(path)
	}
	return ProbeResult{Path: path, Mounted: mounted, Readable: true, Kind: KindNone}
}
