// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

// Package uploader mirrors quarantined samples and their verdicts to an S3
// bucket for later inspection.
package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/DCSO/nightguard/sampledb"
	"github.com/DCSO/nightguard/submitter"

	"github.com/minio/minio-go"
	log "github.com/sirupsen/logrus"
)

var verdictFileReg = regexp.MustCompile(`.+\.verdict\.json$`)

// S3Credentials represents a set of data required to access an S3 resource.
type S3Credentials struct {
	Endpoint        string
	AccessKey       string
	SecretAccessKey string
	BucketName      string
	Region          string
}

// UploadJob contains all data required to locate a file to be uploaded and its metadata.
type UploadJob struct {
	verdict          sampledb.FileVerdict
	localFilePath    string
	localVerdictPath string
}

// Uploader is a component that facilitates the queued upload of samples to a
// S3 endpoint. Samples are copied to a scratch directory first, so a sample
// released from quarantine meanwhile is still uploaded, and pending uploads
// survive a restart.
type Uploader struct {
	// Creds contains the required credentials for the S3 connection.
	Creds S3Credentials
	// UseSSL is true if SSL should be used for upload.
	UseSSL bool
	// Where the uploader queues files ready for upload.
	ScratchDir string
	// InChan is the channel to enqueue files for upload.
	InChan chan UploadJob
	// CloseChan is used to signal uploader shutdown.
	ClosedChan chan bool
	// Client is a Minio client connecting to the given endpoint.
	Client *minio.Client
	// Submitter is used to send verdicts after upload
	Submitter submitter.Submitter
}

func copyFile(src, dest string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err = io.Copy(destFile, srcFile); err != nil {
		destFile.Close()
		return err
	}
	if err = destFile.Sync(); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

// Enqueue adds a new file to the set of files to be uploaded. It also records the metadata
// given by the verdict.
func (u *Uploader) Enqueue(verdict sampledb.FileVerdict, localpath string) error {
	if verdict.Hashes.Sha512 == "" {
		return errors.New("cannot upload sample without hash")
	}

	destPath := filepath.Join(u.ScratchDir, verdict.Hashes.Sha512)
	if err := copyFile(localpath, destPath); err != nil {
		return err
	}

	verdictPath := filepath.Join(u.ScratchDir, fmt.Sprintf("%s.verdict.json", verdict.Hashes.Sha512))
	outJSON, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	err = os.WriteFile(verdictPath, outJSON, 0600)
	if err != nil {
		return err
	}

	u.InChan <- UploadJob{
		verdict:          verdict,
		localFilePath:    destPath,
		localVerdictPath: verdictPath,
	}
	return nil
}

func (u *Uploader) put(object, localPath, contentType string) error {
	log.Debugf("bucket %s object '%s' localpath %s", u.Creds.BucketName, object, localPath)
	size, err := u.Client.FPutObject(u.Creds.BucketName, object, localPath,
		minio.PutObjectOptions{
			ContentType: contentType,
		})
	if err != nil {
		return fmt.Errorf("upload of %s failed: %w", object, err)
	}
	log.Infof("successfully uploaded %s (size %d)", object, size)
	return nil
}

func (u *Uploader) processUpload() {
	for file := range u.InChan {
		sampleFileName := file.verdict.Hashes.Sha512
		verdictFileName := fmt.Sprintf("%s.verdict.json", sampleFileName)

		if err := u.put(sampleFileName, file.localFilePath, "application/octet-stream"); err != nil {
			log.Error(err)
			continue
		}
		if err := u.put(verdictFileName, file.localVerdictPath, "application/json"); err != nil {
			log.Error(err)
			continue
		}
		for _, p := range []string{file.localFilePath, file.localVerdictPath} {
			if err := os.Remove(p); err != nil {
				log.Errorf("could not remove uploaded file %s: %s", p, err)
			}
		}

		// submit JSON with added location of sample
		file.verdict.Uploaded = true
		file.verdict.UploadLocation = fmt.Sprintf("%s/%s/%s", u.Creds.Endpoint, u.Creds.BucketName, sampleFileName)
		if u.Submitter != nil {
			submitJSON, err := json.Marshal(file.verdict)
			if err != nil {
				log.Error(err)
			} else {
				u.Submitter.Submit(submitJSON)
			}
		}
	}
	close(u.ClosedChan)
}

// enqueueBacklog picks up uploads left in the scratch directory by a
// previous run.
func (u *Uploader) enqueueBacklog() error {
	files, err := os.ReadDir(u.ScratchDir)
	if err != nil {
		return err
	}

	for _, f := range files {
		if !verdictFileReg.MatchString(f.Name()) {
			continue
		}
		var verdict sampledb.FileVerdict
		byteValue, err := os.ReadFile(filepath.Join(u.ScratchDir, f.Name()))
		if err != nil {
			return err
		}
		if err = json.Unmarshal(byteValue, &verdict); err != nil {
			log.Warnf("skipping malformed scratch file %s: %s", f.Name(), err)
			continue
		}
		samplePath := filepath.Join(u.ScratchDir, verdict.Hashes.Sha512)
		if _, err = os.Stat(samplePath); err != nil {
			log.Warnf("skipping scratch file %s without sample: %s", f.Name(), err)
			continue
		}
		log.Debugf("enqueuing scratch file %s", f.Name())
		u.InChan <- UploadJob{
			verdict:          verdict,
			localFilePath:    samplePath,
			localVerdictPath: filepath.Join(u.ScratchDir, f.Name()),
		}
	}

	return nil
}

// MakeS3Uploader returns a new Uploader for the given credentials and scratch
// directory. If a submitter is given, it will be used to submit the verdict
// metadata for each uploaded file as well.
func MakeS3Uploader(creds S3Credentials, ssl bool, scratchdir string,
	submitter submitter.Submitter) (*Uploader, error) {
	uploader := &Uploader{
		Creds:      creds,
		UseSSL:     ssl,
		ScratchDir: scratchdir,
		ClosedChan: make(chan bool),
		InChan:     make(chan UploadJob, 10000),
		Submitter:  submitter,
	}

	if err := os.MkdirAll(scratchdir, 0700); err != nil {
		return nil, err
	}

	client, err := minio.New(creds.Endpoint, creds.AccessKey, creds.SecretAccessKey, ssl)
	if err != nil {
		return nil, err
	}
	uploader.Client = client

	err = uploader.enqueueBacklog()
	if err != nil {
		return nil, err
	}

	go uploader.processUpload()

	return uploader, nil
}

// Stop causes the uploader to cease processing enqueued files.
func (u *Uploader) Stop() {
	close(u.InChan)
	<-u.ClosedChan
}
