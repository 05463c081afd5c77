// Nightguard
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// scanRequester accepts paths for out-of-band inspection.
// *watcher.Coordinator implements it.
type scanRequester interface {
	Submit(path string) error
}

// SocketInput reads JSON scan requests from a Unix socket, one per line.
type SocketInput struct {
	Requester     scanRequester
	Running       bool
	InputListener *net.UnixListener
	StopChan      chan bool
	StoppedChan   chan bool
	InputSocket   string

	connLock sync.Mutex
	Conn     net.Conn
}

type socketMessage struct {
	EventType string `json:"event_type"`
	Path      string `json:"path"`
}

func (si *SocketInput) setConn(c net.Conn) {
	si.connLock.Lock()
	si.Conn = c
	si.connLock.Unlock()
}

func (si *SocketInput) handleConnection(c net.Conn) {
	defer func() {
		c.Close()
		si.setConn(nil)
	}()
	reader := bufio.NewReader(c)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			si.handleLine(line)
		}
		if err != nil {
			return
		}
	}
}

func (si *SocketInput) handleLine(line []byte) {
	var m socketMessage
	if err := json.Unmarshal(line, &m); err != nil {
		log.Errorf("could not unmarshal JSON '%s': %s", string(line), err)
		return
	}
	if m.EventType != "scan_request" {
		log.Debugf("ignoring event of type %q", m.EventType)
		return
	}
	if m.Path == "" {
		log.Warn("ignoring scan request without path")
		return
	}
	log.Debugf("received scan request for %s", m.Path)
	if err := si.Requester.Submit(m.Path); err != nil {
		log.Errorf("scan request for %s rejected: %s", m.Path, err)
	}
}

func (si *SocketInput) handleServerConnection() {
	for {
		select {
		case <-si.StopChan:
			si.InputListener.Close()
			close(si.StoppedChan)
			return
		default:
			si.InputListener.SetDeadline(time.Now().Add(1e9))
			c, err := si.InputListener.Accept()
			if err != nil {
				var opErr *net.OpError
				if !errors.As(err, &opErr) || !opErr.Timeout() {
					log.Info(err)
				}
				continue
			}
			// we have a connection
			si.setConn(c)
			si.handleConnection(c)
		}
	}
}

// MakeSocketInput returns a new SocketInput reading from the Unix socket
// inputSocket and passing requested paths to r. If no such socket could be
// created for listening, the error returned is set accordingly.
func MakeSocketInput(inputSocket string, r scanRequester) (*SocketInput, error) {
	si := &SocketInput{
		Requester:   r,
		StopChan:    make(chan bool),
		InputSocket: inputSocket,
	}
	if _, err := os.Stat(inputSocket); err == nil {
		os.Remove(inputSocket)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: inputSocket, Net: "unix"})
	if err != nil {
		return nil, err
	}
	si.InputListener = l
	return si, nil
}

// Run starts the SocketInput
func (si *SocketInput) Run() {
	if !si.Running {
		si.Running = true
		si.StopChan = make(chan bool)
		go si.handleServerConnection()
	}
}

// Stop causes the SocketInput to stop reading from the socket and close all
// associated channels, including the passed notification channel.
func (si *SocketInput) Stop(stoppedChan chan bool) {
	if si != nil && si.Running {
		si.StoppedChan = stoppedChan
		si.connLock.Lock()
		if si.Conn != nil {
			si.Conn.Close()
		}
		si.connLock.Unlock()
		close(si.StopChan)
		si.Running = false
		if _, err := os.Stat(si.InputSocket); err == nil {
			os.Remove(si.InputSocket)
		}
	} else {
		close(stoppedChan)
	}
}
