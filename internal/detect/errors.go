package detect

import "errors"

// ErrWindowAborted is returned by Window.Run when OnFrame asked to stop.
var ErrWindowAborted = errors.New("detection window aborted")
