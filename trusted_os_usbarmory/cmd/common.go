// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"golang.org/x/term"
)

var started = time.Now()

func init() {
	Add(Cmd{
		Name: "help",
		Help: "this help",
		Fn:   helpCmd,
	})

	Add(Cmd{
		Name:    "exit, quit",
		Args:    1,
		Pattern: regexp.MustCompile(`^(exit|quit)$`),
		Help:    "close console session",
		Fn:      exitCmd,
	})

	Add(Cmd{
		Name:    "stack",
		Args:    1,
		Pattern: regexp.MustCompile(`^stack( all)?$`),
		Syntax:  "(all)?",
		Help:    "goroutine stack trace",
		Fn:      stackCmd,
	})

	Add(Cmd{
		Name: "uptime",
		Help: "monitor uptime and goroutine count",
		Fn:   uptimeCmd,
	})

	Add(Cmd{
		Name: "build",
		Help: "monitor build information",
		Fn:   buildCmd,
	})
}

func helpCmd(term *term.Terminal, _ []string) (string, error) {
	return Help(term), nil
}

func exitCmd(_ *term.Terminal, _ []string) (string, error) {
	return "session closed", io.EOF
}

func stackCmd(_ *term.Terminal, arg []string) (string, error) {
	if arg[0] == "" {
		return string(debug.Stack()), nil
	}

	buf := new(bytes.Buffer)

	if err := pprof.Lookup("goroutine").WriteTo(buf, 1); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func uptimeCmd(_ *term.Terminal, _ []string) (string, error) {
	up := time.Since(started).Truncate(time.Second)
	return fmt.Sprintf("up %s, %d goroutines", up, runtime.NumGoroutine()), nil
}

func buildCmd(_ *term.Terminal, _ []string) (string, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	info, ok := debug.ReadBuildInfo()

	if !ok {
		return buf.String(), nil
	}

	fmt.Fprintf(&buf, "\n%s %s", info.Main.Path, info.Main.Version)

	for _, s := range info.Settings {
		if s.Key == "vcs.revision" || s.Key == "vcs.time" {
			fmt.Fprintf(&buf, "\n%s: %s", s.Key, s.Value)
		}
	}

	return buf.String(), nil
}
