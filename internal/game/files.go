package game

import (
	"fmt"
	"io"
	"io/fs"
	"path"
)

// FSProvider serves file channel requests from a file system, typically
// os.DirFS of an asset directory.
type FSProvider struct {
	FS fs.FS
}

func (p FSProvider) OpenFile(name string) (io.ReadCloser, int64, error) {
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return nil, 0, fmt.Errorf("invalid path %q", name)
	}
	f, err := p.FS.Open(name)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", name)
	}
	return f, info.Size(), nil
}
