// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// Output line buffers the console output of the supervisor and of the phase
// applet, which log simultaneously through the same console.
type Output struct {
	sync.Mutex

	supervisor bytes.Buffer
	applet     bytes.Buffer
}

func (o *Output) buffer(applet bool) *bytes.Buffer {
	if applet {
		return &o.applet
	}

	return &o.supervisor
}

// BufferedLog appends c to the context buffer, complete lines are written to
// w.
func (o *Output) BufferedLog(c byte, applet bool, w io.Writer) {
	o.Lock()
	defer o.Unlock()

	buf := o.buffer(applet)
	buf.WriteByte(c)

	if c == flushChr || buf.Len() > outputLimit {
		w.Write(buf.Bytes())
		buf.Reset()
	}
}

// BufferedTermLog appends c to the context buffer, complete lines are written
// to t with applet output highlighted.
func (o *Output) BufferedTermLog(c byte, applet bool, t *term.Terminal) {
	o.Lock()
	defer o.Unlock()

	var color []byte

	buf := o.buffer(applet)

	if applet {
		color = t.Escape.Cyan
	} else {
		color = t.Escape.Green
	}

	buf.WriteByte(c)

	if c == flushChr || buf.Len() > outputLimit {
		t.Write(color)
		t.Write(buf.Bytes())
		t.Write(t.Escape.Reset)

		buf.Reset()
	}
}
