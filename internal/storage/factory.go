package storage

import "path/filepath"

// Factory hands out backends for named documents such as "paired-users.json".
type Factory interface {
	Backend(name string) Backend
}

// Dir is a Factory that keeps each document as a file inside a directory.
type Dir string

func (d Dir) Backend(name string) Backend {
	return NewFileBackend(filepath.Join(string(d), name))
}
