// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


// Package logging tees log output to a console writer and an optional log file.
// Does not add prefixes, or force newlines.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// A log writer. Writes to the console, and optionally to a file
type Tee struct {
	mu        sync.Mutex
	console   io.Writer
	file      *bufio.Writer
	fileOS    *os.File
}

// Creates a tee which writes to the given console writer only
func NewTee(console io.Writer) *Tee {
	return &Tee{console: console}
}

// Default log writer to stdout, used by the command line
var std=NewTee(os.Stdout)

// Returns the default log writer
func Writer() *Tee { return std }

// Enables logging to file in addition to the console. Closes a previous log file
func (t *Tee) AlsoToFile(fileName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err:=t.closeFile(); err!=nil { return err }
	f, err:=os.OpenFile(fileName, os.O_CREATE | os.O_TRUNC | os.O_WRONLY, 0666)
	if err!=nil { return err }
	t.fileOS, t.file=f, bufio.NewWriter(f)
	return nil
}

func (t *Tee) closeFile() error {
	if t.file==nil { return nil }
	err:=t.file.Flush()
	if cerr:=t.fileOS.Close(); err==nil { err=cerr }
	t.file, t.fileOS=nil, nil
	return err
}

// Writes to the console and the log file. Concurrent writes are serialized,
// so lines from parallel operators do not interleave within a single write
func (t *Tee) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err=t.console.Write(p)
	if err!=nil || t.file==nil { return n, err }
	return t.file.Write(p)
}

// Flushes the log file to disk
func (t *Tee) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file==nil { return nil }
	if err:=t.file.Flush(); err!=nil { return err }
	return t.fileOS.Sync()
}

// Flushes and closes the log file, if any. Console output continues
func (t *Tee) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeFile()
}

// Enables logging of the default writer to file in addition to stdout
func LogAlsoToFile(fileName string) error { return std.AlsoToFile(fileName) }

func LogPrintf(format string, args ...interface{}) (n int, err error) {
	return fmt.Fprintf(std, format, args...)
}

func LogPrintln(args ...interface{}) (n int, err error) {
	return fmt.Fprintln(std, args...)
}

// Prints to the default writer, closes the log file and exits with status 1
func LogFatalf(format string, args ...interface{}) {
	fmt.Fprintf(std, format, args...)
	std.Close()
	os.Exit(1)
}

func LogSync() { std.Sync() }
