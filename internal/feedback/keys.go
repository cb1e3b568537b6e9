package feedback

import (
	"bufio"
	"io"
	"sync"

	"github.com/cyclopcam/logs"
)

// KeyInput turns operator key presses into skip and quit signals. 'q' and
// ESC skip the phase on screen; 'x', 'X' and Ctrl-C (in raw mode) shut the
// kiosk down. Everything else is ignored.
type KeyInput struct {
	skip chan struct{}
	quit chan struct{}
	once sync.Once
}

// NewKeyInput returns a KeyInput with no reader attached.
func NewKeyInput() *KeyInput {
	return &KeyInput{
		skip: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Listen reads keys from r until EOF or a quit key. It blocks; run it in
// its own goroutine.
func (k *KeyInput) Listen(log logs.Log, r io.Reader) {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Warnf("Key input closed: %v", err)
			}
			return
		}
		switch b {
		case 'q', 0x1b:
			log.Infof("Operator skipped the current screen")
			k.RequestSkip()
		case 'x', 'X', 0x03:
			log.Infof("Operator requested quit")
			k.RequestQuit()
			return
		}
	}
}

// RequestSkip queues one skip. Presses made while a skip is already pending
// are merged into it.
func (k *KeyInput) RequestSkip() {
	select {
	case k.skip <- struct{}{}:
	default:
	}
}

// Skip delivers one value per pending skip. Whoever receives it consumes it.
func (k *KeyInput) Skip() <-chan struct{} {
	return k.skip
}

// RequestQuit closes the quit channel. It is safe to call more than once.
func (k *KeyInput) RequestQuit() {
	k.once.Do(func() { close(k.quit) })
}

// Quit is closed once a quit has been requested.
func (k *KeyInput) Quit() <-chan struct{} {
	return k.quit
}
