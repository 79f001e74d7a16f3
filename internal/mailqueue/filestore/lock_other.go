//go:build !unix

package filestore

// Cross-process locking is unavailable here; the in-process mutex still applies.
type fileLock struct{}

func acquire(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (*fileLock) release() {}
