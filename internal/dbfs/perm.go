package dbfs

// Access mask bits, as in access(2).
const (
	MayExec  uint32 = 1
	MayWrite uint32 = 2
	MayRead  uint32 = 4
)

func (c Caller) privileged() bool {
	return c.Uid == 0
}

func (c Caller) inGroup(gid uint32) bool {
	if c.Gid == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// permitted applies the owner/group/other mode bits of in to mask. The
// privileged caller passes everything except executing a file that has no
// execute bit at all.
func permitted(c Caller, in *inode, mask uint32) bool {
	if c.privileged() {
		if mask&MayExec != 0 && in.Kind != KindDirectory {
			return in.Mode&0o111 != 0
		}
		return true
	}
	var bits uint32
	switch {
	case c.Uid == in.Uid:
		bits = in.Mode >> 6
	case c.inGroup(in.Gid):
		bits = in.Mode >> 3
	default:
		bits = in.Mode
	}
	return bits&mask&7 == mask
}

func access(c Caller, in *inode, mask uint32) error {
	if !permitted(c, in, mask) {
		return ErrPermissionDenied
	}
	return nil
}

// owns reports whether c may change in's metadata.
func owns(c Caller, in *inode) bool {
	return c.privileged() || c.Uid == in.Uid
}

// stickyDenied reports whether the sticky bit on dir forbids c from
// removing or renaming victim.
func stickyDenied(c Caller, dir, victim *inode) bool {
	if dir.Mode&ModeSticky == 0 || c.privileged() {
		return false
	}
	return c.Uid != dir.Uid && c.Uid != victim.Uid
}
