package room

import "errors"

// Sentinel errors for store rejections. The engine maps these onto the
// user-visible locale strings; callers branch with errors.Is.
var (
	ErrRoomExists     = errors.New("room already exists")
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room is full")
	ErrRoomLocked     = errors.New("room is locked")
	ErrAlreadyInRoom  = errors.New("user already in a room")
	ErrNotInRoom      = errors.New("user not in a room")
	ErrBlacklisted    = errors.New("user is blacklisted from this room")
	ErrNotWhitelisted = errors.New("user is not on the room whitelist")
	ErrMaxRooms       = errors.New("room limit reached")
)
