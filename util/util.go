// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

// Package util contains file fixtures shared by the package tests.
package util

import (
	"math/rand"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// Min returns the smaller of the passed int values.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RandomBytes returns n pseudo-random bytes from a fixed seed, so fixtures
// are reproducible between runs.
func RandomBytes(n int, seed int64) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// CreateFile writes contents to dir/name, creating parent directories.
func CreateFile(dir, name string, contents []byte) string {
	filename := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(filename), os.ModePerm); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(filename, contents, 0644); err != nil {
		log.Fatal(err)
	}
	return filename
}

// CreateFileChunked writes contents to dir/name in chunks of blockSize,
// opening and closing the file for each chunk like an editor or download
// that saves incrementally. delay is slept between chunks.
func CreateFileChunked(dir, name string, contents []byte, blockSize int, delay time.Duration) string {
	filename := filepath.Join(dir, name)
	log.Debugf("creating file %s", filename)
	f, err := os.Create(filename)
	if err != nil {
		log.Fatal(err)
	}
	f.Write(contents[0:Min(len(contents), blockSize)])
	f.Close()
	written := blockSize
	for written < len(contents) {
		time.Sleep(delay)
		log.Debug("writing ", filename, " position ", written, " to ", written+blockSize)
		f, err = os.OpenFile(filename, os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			log.Fatal(err)
		}
		f.Write(contents[written:Min(len(contents), written+blockSize)])
		f.Close()
		written += blockSize
	}
	return filename
}

// CreateFileMoved creates a file outside dir and moves it in afterwards,
// simulating 'atomic' file creation.
func CreateFileMoved(dir, name string, contents []byte) string {
	tmpdir, err := os.MkdirTemp("", "tmp")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpdir)
	src := CreateFile(tmpdir, name, contents)
	dest := filepath.Join(dir, name)
	if err = os.Rename(src, dest); err != nil {
		log.Fatal(err)
	}
	return dest
}

// CreateFileWithTime creates a file like CreateFile, but also sets atime and
// mtime of the resulting file to the given value.
func CreateFileWithTime(dir, name string, contents []byte, mtime time.Time) string {
	filename := CreateFile(dir, name, contents)
	// we treat mtime as atime as well
	os.Chtimes(filename, mtime, mtime)
	return filename
}
