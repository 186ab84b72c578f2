package fs

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"
)

func TestFileOperations(t *testing.T) {
	vfs := setupTestFS(t)
	ctx := context.Background()
	root := rootDir(t, vfs)

	node, handle, err := root.Create(ctx, &fuse.CreateRequest{
		Name:  "testfile.txt",
		Flags: fuse.OpenReadWrite,
		Mode:  0o644,
	}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	fh := handle.(*FileHandle)
	testContent := []byte("test file content")

	// Test writing and reading through the handle
	t.Run("WriteRead", func(t *testing.T) {
		wresp := &fuse.WriteResponse{}
		if err := fh.Write(ctx, &fuse.WriteRequest{Data: testContent}, wresp); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
		if wresp.Size != len(testContent) {
			t.Errorf("Wrote %d bytes, want %d", wresp.Size, len(testContent))
		}

		rresp := &fuse.ReadResponse{}
		if err := fh.Read(ctx, &fuse.ReadRequest{Offset: 5, Size: 100}, rresp); err != nil {
			t.Fatalf("Failed to read: %v", err)
		}
		if string(rresp.Data) != "file content" {
			t.Errorf("Read %q, want %q", rresp.Data, "file content")
		}
	})

	// Test file attributes
	t.Run("FileAttributes", func(t *testing.T) {
		attr := &fuse.Attr{}
		if err := node.Attr(ctx, attr); err != nil {
			t.Fatalf("Failed to get file attributes: %v", err)
		}
		if attr.Mode != 0o644 {
			t.Errorf("Mode = %v, want 0644", attr.Mode)
		}
		if attr.Size != uint64(len(testContent)) {
			t.Errorf("Size = %d, want %d", attr.Size, len(testContent))
		}
	})

	// Test truncation through setattr
	t.Run("Setattr", func(t *testing.T) {
		req := &fuse.SetattrRequest{Valid: fuse.SetattrSize | fuse.SetattrMode, Size: 4, Mode: 0o600 | os.ModeSetgid}
		resp := &fuse.SetattrResponse{}
		if err := node.(*File).Setattr(ctx, req, resp); err != nil {
			t.Fatalf("Setattr failed: %v", err)
		}
		if resp.Attr.Size != 4 {
			t.Errorf("Size after truncate = %d, want 4", resp.Attr.Size)
		}
		if resp.Attr.Mode != 0o600|os.ModeSetgid {
			t.Errorf("Mode after chmod = %v", resp.Attr.Mode)
		}
	})

	// Test extended attributes
	t.Run("Xattrs", func(t *testing.T) {
		file := node.(*File)
		err := file.Getxattr(ctx, &fuse.GetxattrRequest{Name: "user.missing"}, &fuse.GetxattrResponse{})
		if !errors.Is(err, unix.ENODATA) {
			t.Errorf("Getxattr of missing name = %v, want ENODATA", err)
		}

		if err := file.Setxattr(ctx, &fuse.SetxattrRequest{Name: "user.tag", Xattr: []byte("blue")}); err != nil {
			t.Fatalf("Setxattr failed: %v", err)
		}
		err = file.Setxattr(ctx, &fuse.SetxattrRequest{Name: "user.tag", Xattr: []byte("red"), Flags: unix.XATTR_CREATE})
		if !errors.Is(err, syscall.EEXIST) {
			t.Errorf("Setxattr with XATTR_CREATE = %v, want EEXIST", err)
		}

		resp := &fuse.GetxattrResponse{}
		if err := file.Getxattr(ctx, &fuse.GetxattrRequest{Name: "user.tag"}, resp); err != nil {
			t.Fatalf("Getxattr failed: %v", err)
		}
		if string(resp.Xattr) != "blue" {
			t.Errorf("Xattr = %q, want blue", resp.Xattr)
		}

		list := &fuse.ListxattrResponse{}
		if err := file.Listxattr(ctx, &fuse.ListxattrRequest{}, list); err != nil {
			t.Fatalf("Listxattr failed: %v", err)
		}
		if string(list.Xattr) != "user.tag\x00" {
			t.Errorf("Listxattr = %q", list.Xattr)
		}

		if err := file.Removexattr(ctx, &fuse.RemovexattrRequest{Name: "user.tag"}); err != nil {
			t.Fatalf("Removexattr failed: %v", err)
		}
		err = file.Removexattr(ctx, &fuse.RemovexattrRequest{Name: "user.tag"})
		if !errors.Is(err, unix.ENODATA) {
			t.Errorf("Second removexattr = %v, want ENODATA", err)
		}
	})

	// Test that an unlinked open file stays readable until release
	t.Run("UnlinkWhileOpen", func(t *testing.T) {
		if err := root.Remove(ctx, &fuse.RemoveRequest{Name: "testfile.txt"}); err != nil {
			t.Fatalf("Failed to unlink: %v", err)
		}

		resp := &fuse.ReadResponse{}
		if err := fh.Read(ctx, &fuse.ReadRequest{Size: 100}, resp); err != nil {
			t.Fatalf("Read after unlink failed: %v", err)
		}
		if string(resp.Data) != "test" {
			t.Errorf("Read %q after unlink, want %q", resp.Data, "test")
		}

		if err := fh.Release(ctx, &fuse.ReleaseRequest{}); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if err := node.Attr(ctx, &fuse.Attr{}); !errors.Is(err, syscall.ENOENT) {
			t.Errorf("Attr after last release = %v, want ENOENT", err)
		}
	})
}

func TestOpenModes(t *testing.T) {
	vfs := setupTestFS(t)
	ctx := context.Background()
	root := rootDir(t, vfs)

	node, handle, err := root.Create(ctx, &fuse.CreateRequest{Name: "f", Flags: fuse.OpenWriteOnly, Mode: 0o644}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	wo := handle.(*FileHandle)
	if err := wo.Write(ctx, &fuse.WriteRequest{Data: []byte("data")}, &fuse.WriteResponse{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := wo.Read(ctx, &fuse.ReadRequest{Size: 4}, &fuse.ReadResponse{}); !errors.Is(err, syscall.EBADF) {
		t.Errorf("Read on write-only handle = %v, want EBADF", err)
	}

	h, err := node.(*File).Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ro := h.(*FileHandle)
	if err := ro.Write(ctx, &fuse.WriteRequest{Data: []byte("x")}, &fuse.WriteResponse{}); !errors.Is(err, syscall.EBADF) {
		t.Errorf("Write on read-only handle = %v, want EBADF", err)
	}

	// Another user may read but not write a 0644 file.
	other := fuse.Header{Uid: 1000, Gid: 1000}
	if _, err := node.(*File).Open(ctx, &fuse.OpenRequest{Header: other, Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{}); err != nil {
		t.Errorf("Open for read by other user failed: %v", err)
	}
	_, err = node.(*File).Open(ctx, &fuse.OpenRequest{Header: other, Flags: fuse.OpenReadWrite}, &fuse.OpenResponse{})
	if !errors.Is(err, syscall.EACCES) {
		t.Errorf("Open for write by other user = %v, want EACCES", err)
	}

	h, err = node.(*File).Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly | fuse.OpenTruncate}, &fuse.OpenResponse{})
	if err != nil {
		t.Fatalf("Open with O_TRUNC failed: %v", err)
	}
	attr := &fuse.Attr{}
	if err := node.Attr(ctx, attr); err != nil {
		t.Fatalf("Attr failed: %v", err)
	}
	if attr.Size != 0 {
		t.Errorf("Size after O_TRUNC = %d, want 0", attr.Size)
	}
	if vfs.handles.Len() != 1 {
		t.Errorf("Open inodes = %d, want 1", vfs.handles.Len())
	}
	_ = h
}
