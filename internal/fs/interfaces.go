// internal/fs/interfaces.go

package fs

import (
	"bazil.org/fuse/fs"
)

// NodeInterface is what every node kind serves
type NodeInterface interface {
	fs.Node
	fs.NodeSetattrer
	fs.NodeAccesser
	fs.NodeGetxattrer
	fs.NodeSetxattrer
	fs.NodeListxattrer
	fs.NodeRemovexattrer
}

// Directory represents a directory node
type Directory interface {
	NodeInterface
	fs.NodeRequestLookuper
	fs.HandleReadDirAller
	fs.NodeMkdirer
	fs.NodeCreater
	fs.NodeSymlinker
	fs.NodeLinker
	fs.NodeRemover
	fs.NodeRenamer
}

// FileInterface represents a regular file node
type FileInterface interface {
	NodeInterface
	fs.NodeOpener
	fs.NodeFsyncer
}

// SymlinkInterface represents a symbolic link node
type SymlinkInterface interface {
	NodeInterface
	fs.NodeReadlinker
}

// FileHandleInterface represents an open file handle
type FileHandleInterface interface {
	fs.Handle
	fs.HandleReader
	fs.HandleWriter
	fs.HandleFlusher
	fs.HandleReleaser
}

var (
	_ fs.FS               = (*DBFS)(nil)
	_ fs.FSStatfser       = (*DBFS)(nil)
	_ Directory           = (*Dir)(nil)
	_ FileInterface       = (*File)(nil)
	_ SymlinkInterface    = (*Symlink)(nil)
	_ FileHandleInterface = (*FileHandle)(nil)
)
