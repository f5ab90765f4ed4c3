package service

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrInternalServer    = errors.New("internal server error")
	ErrInvalidAction     = errors.New("invalid action data")
	ErrInvalidCanvasSize = errors.New("canvas width and height must be between 100 and 4096")
	ErrNothingToUndo     = errors.New("nothing to undo")
	ErrNothingToRedo     = errors.New("nothing to redo")
	ErrInvalidSnapshot   = errors.New("invalid snapshot submission")
	ErrStaleSnapshot     = errors.New("stale snapshot submission")
	ErrStoreUnavailable  = errors.New("document store unavailable")
	ErrVersionConflict   = errors.New("concurrent update conflict, please retry")
)
