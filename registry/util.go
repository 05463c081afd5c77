// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package registry

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"os"

	"github.com/DCSO/nightguard/sampledb"

	"golang.org/x/crypto/sha3"
)

// CalculateBasicHashes uses a multiWriter to efficiently calculate file hashes
// REF: http://marcio.io/2015/07/calculating-multiple-file-hashes-in-a-single-pass/
func CalculateBasicHashes(rd io.Reader) (sampledb.HashInfo, error) {
	var info sampledb.HashInfo

	md5Hash := md5.New()
	sha1Hash := sha1.New()
	sha256Hash := sha256.New()
	sha512Hash := sha512.New()
	sha3_512Hash := sha3.New512()

	reader := bufio.NewReaderSize(rd, os.Getpagesize())

	// all digests are fed from a single pass over the file
	multiWriter := io.MultiWriter(md5Hash, sha1Hash, sha256Hash, sha512Hash, sha3_512Hash)
	_, err := io.Copy(multiWriter, reader)
	if err != nil {
		return info, err
	}

	info.Md5 = hex.EncodeToString(md5Hash.Sum(nil))
	info.Sha1 = hex.EncodeToString(sha1Hash.Sum(nil))
	info.Sha256 = hex.EncodeToString(sha256Hash.Sum(nil))
	info.Sha512 = hex.EncodeToString(sha512Hash.Sum(nil))
	info.Sha3_512 = hex.EncodeToString(sha3_512Hash.Sum(nil))

	return info, nil
}

var calculateHashes = CalculateBasicHashes

type hashResult struct {
	info sampledb.HashInfo
	err  error
}

// hashSample computes the digests of f within the pipeline's read timeout.
// On timeout the reading goroutine is abandoned.
func (ins *Inspector) hashSample(ctx context.Context, f *os.File) (sampledb.HashInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ins.Pipeline.Config().ReadTimeout)
	defer cancel()

	done := make(chan hashResult, 1)
	go func() {
		info, err := calculateHashes(ctxReader{ctx: ctx, r: f})
		done <- hashResult{info: info, err: err}
	}()
	select {
	case res := <-done:
		return res.info, res.err
	case <-ctx.Done():
		return sampledb.HashInfo{}, ctx.Err()
	}
}

// ctxReader stops a long read (e.g. hashing a huge file) once the context is
// done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
